package seeder

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/catalog"
	"github.com/vnmchuo/usage-gateway/internal/directory"
)

type subjects struct{ created []*directory.Subject }

func (s *subjects) CreateSubject(_ context.Context, sub *directory.Subject) error {
	sub.ID = "user_seed"
	s.created = append(s.created, sub)
	return nil
}

type models map[string]*catalog.Model

func (m models) ByName(_ context.Context, name string) (*catalog.Model, error) {
	if model, ok := m[name]; ok {
		return model, nil
	}
	return nil, catalog.ErrModelNotFound
}

func (m models) Upsert(_ context.Context, model *catalog.Model) error {
	m[model.UniqueName] = model
	return nil
}

type keys struct{ created []*auth.APIKey }

func (k *keys) GetByHash(_ context.Context, h string) (*auth.APIKey, error) {
	for _, key := range k.created {
		if key.SecretHash == h {
			return key, nil
		}
	}
	return nil, auth.ErrKeyNotFound
}

func (k *keys) Create(_ context.Context, key *auth.APIKey) error {
	k.created = append(k.created, key)
	return nil
}

func (k *keys) Revoke(context.Context, string, time.Time) (*auth.APIKey, error) {
	return nil, auth.ErrKeyNotFound
}

func TestSeed(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	subs := &subjects{}
	cat := models{}
	ks := &keys{}
	resolver := auth.NewKeyResolver(ks, nil, time.Minute, quartz.NewMock(t), logger)

	require.NoError(t, Seed(context.Background(), subs, cat, resolver, logger))

	require.Len(t, subs.created, 1)
	assert.Equal(t, TestUserEmail, subs.created[0].Email)
	assert.Len(t, cat, len(TestModels))
	require.Len(t, ks.created, 1)
	assert.Equal(t, "user_seed", ks.created[0].OwnerUserID)

	entries := logs.FilterMessage("seeded test data").All()
	require.Len(t, entries, 1)
	raw := entries[0].ContextMap()["api_key"].(string)

	key, err := resolver.Resolve(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user_seed", key.OwnerUserID)
}
