// Package guard decides whether a caller may invoke a model and records the
// usage of calls it allowed.
package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/catalog"
	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/usage"
)

// PaymentStanding reports a subject's oldest unpaid invoice past its due date.
type PaymentStanding interface {
	OverdueInvoice(ctx context.Context, subjectID string, now time.Time) (invoiceID string, overdue bool, err error)
}

// Request carries the guard headers and the requested model.
type Request struct {
	SecretKey            string
	APIKey               string
	OrganizationPublicID string
	Model                string
}

type Guard struct {
	secret    []byte
	resolver  *auth.KeyResolver
	directory directory.Directory
	catalog   catalog.Store
	recorder  *usage.Recorder
	standing  PaymentStanding // nil disables the overdue check
	clock     quartz.Clock
	logger    *zap.Logger
}

type Options struct {
	Secret    string
	Resolver  *auth.KeyResolver
	Directory directory.Directory
	Catalog   catalog.Store
	Recorder  *usage.Recorder
	Standing  PaymentStanding
	Clock     quartz.Clock
	Logger    *zap.Logger
}

func New(opts Options) *Guard {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Guard{
		secret:    []byte(opts.Secret),
		resolver:  opts.Resolver,
		directory: opts.Directory,
		catalog:   opts.Catalog,
		recorder:  opts.Recorder,
		standing:  opts.Standing,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// CheckSecret gates every guard call on the shared master secret,
// independently of any API key.
func (g *Guard) CheckSecret(presented string) error {
	if presented == "" {
		return apperr.Unauthenticated(apperr.ReasonMissing, "Secret Key is missing")
	}
	if len(g.secret) == 0 || subtle.ConstantTimeCompare([]byte(presented), g.secret) != 1 {
		return apperr.Unauthenticated(apperr.ReasonSecretMismatch, "Invalid Secret Key")
	}
	return nil
}

// IsAuthenticated runs the full guard: secret, API key, organization and
// model checks. It returns the caller's identity when every check passes.
func (g *Guard) IsAuthenticated(ctx context.Context, req Request) (*auth.Identity, error) {
	if err := g.CheckSecret(req.SecretKey); err != nil {
		return nil, err
	}
	key, err := g.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	id, err := g.authorize(ctx, key, req)
	if err != nil {
		return nil, err
	}

	if g.standing != nil {
		invoiceID, overdue, err := g.standing.OverdueInvoice(ctx, id.SubjectID, g.clock.Now())
		if err != nil {
			return nil, err
		}
		if overdue {
			g.logger.Info("caller blocked by overdue invoice",
				zap.String("subject_id", id.SubjectID),
				zap.String("invoice_id", invoiceID))
			return nil, &apperr.PaymentRequiredError{InvoiceID: invoiceID}
		}
	}
	return id, nil
}

// authorize runs the organization, model and scope checks shared by both
// guard endpoints, so usage is only recorded for calls the key may make.
// Payment standing is checked on authentication only: a call that already
// ran is metered even if its invoice went overdue meanwhile.
func (g *Guard) authorize(ctx context.Context, key *auth.APIKey, req Request) (*auth.Identity, error) {
	if req.Model == "" {
		return nil, apperr.Invalid("model", "model is missing")
	}

	id := key.Identity()
	if err := g.checkOrganization(ctx, key, id, req.OrganizationPublicID); err != nil {
		return nil, err
	}

	if _, err := g.catalog.ByName(ctx, req.Model); err != nil {
		if errors.Is(err, catalog.ErrModelNotFound) {
			return nil, apperr.NotFound("model", "Model not found")
		}
		return nil, err
	}
	if !key.AllowsModel(req.Model) {
		return nil, apperr.Unauthenticated(apperr.ReasonForbidden, "Model is not allowed for this API Key")
	}

	return id, nil
}

// checkOrganization binds id to the organization named by publicID, if any.
func (g *Guard) checkOrganization(ctx context.Context, key *auth.APIKey, id *auth.Identity, publicID string) error {
	if publicID == "" {
		return nil
	}
	org, err := g.directory.OrganizationByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return apperr.NotFound("organization", "Organization not found")
		}
		return err
	}

	notMember := apperr.Unauthenticated(apperr.ReasonForbidden, "User is not part of the organization")
	if key.OrganizationID != "" && key.OrganizationID != org.ID {
		return notMember
	}
	member, err := g.directory.IsMember(ctx, org.ID, key.OwnerUserID)
	if err != nil {
		return err
	}
	if !member {
		return notMember
	}
	id.OrganizationID = org.ID
	return nil
}

// LogUsage validates body, authorizes the caller for the model it names
// exactly like IsAuthenticated and stores one usage record.
func (g *Guard) LogUsage(ctx context.Context, req Request, body []byte, idempotencyKey string) (*usage.Record, error) {
	if err := g.CheckSecret(req.SecretKey); err != nil {
		return nil, err
	}
	key, err := g.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	in, err := ParseUsageBody(body)
	if err != nil {
		return nil, err
	}
	req.Model = in.Model
	id, err := g.authorize(ctx, key, req)
	if err != nil {
		return nil, err
	}

	in.IdempotencyKey = idempotencyKey
	return g.recorder.Record(ctx, id, in)
}
