// Package credentials manages the set of bearer tokens available to a run
// and each token's rate-limit state.
package credentials

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

// AllRateLimitedError is returned by NextAvailable when every credential is
// sitting out a rate-limit window. EarliestReset tells the caller when the
// first credential becomes usable again.
type AllRateLimitedError struct {
	EarliestReset time.Time
}

func (e *AllRateLimitedError) Error() string {
	return fmt.Sprintf("all credentials are rate limited (earliest reset at %s)", e.EarliestReset.UTC().Format(time.RFC3339))
}

// Pool owns the credentials for one run. Selection is round-robin among
// active credentials in configuration order; a rate-limited credential
// clears lazily once its reset time has passed. Not safe for concurrent
// use: the pipeline drives one credential at a time.
type Pool struct {
	credentials []*models.Credential
	cursor      int
	excluded    map[string]bool
}

// NewPool builds a pool from the resolved token secrets, in configuration
// order. Credential IDs are positional (token-1, token-2, ...) so logs never
// carry secret material.
func NewPool(secrets []string) *Pool {
	creds := make([]*models.Credential, len(secrets))
	for i, s := range secrets {
		creds[i] = &models.Credential{
			ID:     fmt.Sprintf("token-%d", i+1),
			Secret: s,
			State:  models.CredentialActive,
		}
	}
	slog.Debug("credential pool initialized", "credentials", len(creds))
	return &Pool{
		credentials: creds,
		excluded:    make(map[string]bool),
	}
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int {
	return len(p.credentials)
}

// NextAvailable returns the next active credential in round-robin order.
// Rate-limited credentials whose reset time has passed are returned to the
// active state first. If nothing qualifies it returns an AllRateLimitedError
// carrying the earliest reset time among the rate-limited credentials, or
// the zero time when every credential was excluded outright.
func (p *Pool) NextAvailable(now time.Time) (*models.Credential, error) {
	for i := 0; i < len(p.credentials); i++ {
		cred := p.credentials[(p.cursor+i)%len(p.credentials)]
		if p.excluded[cred.ID] {
			continue
		}
		if cred.State == models.CredentialRateLimited && cred.ResetAt != nil && !now.Before(*cred.ResetAt) {
			slog.Debug("rate-limit window expired, credential reactivated", "credential_id", cred.ID)
			cred.State = models.CredentialActive
			cred.ResetAt = nil
		}
		if cred.State == models.CredentialActive {
			p.cursor = ((p.cursor + i) + 1) % len(p.credentials)
			return cred, nil
		}
	}

	var earliest time.Time
	for _, cred := range p.credentials {
		if p.excluded[cred.ID] || cred.State != models.CredentialRateLimited || cred.ResetAt == nil {
			continue
		}
		if earliest.IsZero() || cred.ResetAt.Before(earliest) {
			earliest = *cred.ResetAt
		}
	}
	return nil, &AllRateLimitedError{EarliestReset: earliest}
}

// MarkRateLimited transitions a credential into its rate-limit window.
func (p *Pool) MarkRateLimited(id string, resetAt time.Time) {
	cred := p.find(id)
	if cred == nil {
		return
	}
	cred.State = models.CredentialRateLimited
	cred.ResetAt = &resetAt
	slog.Info("credential rate limited", "credential_id", id, "reset_at", resetAt.UTC().Format(time.RFC3339))
}

// MarkHealthy returns a credential to the active state after any
// non-rate-limit outcome.
func (p *Pool) MarkHealthy(id string) {
	cred := p.find(id)
	if cred == nil {
		return
	}
	cred.State = models.CredentialActive
	cred.ResetAt = nil
}

// Exclude removes a credential from selection for the remainder of the run.
// Used after a fatal response or once the retry cap is exceeded; the
// credential stays healthy as far as quota is concerned.
func (p *Pool) Exclude(id string) {
	cred := p.find(id)
	if cred == nil {
		return
	}
	cred.State = models.CredentialExhausted
	p.excluded[id] = true
	slog.Info("credential excluded for remainder of run", "credential_id", id)
}

func (p *Pool) find(id string) *models.Credential {
	for _, cred := range p.credentials {
		if cred.ID == id {
			return cred
		}
	}
	return nil
}
