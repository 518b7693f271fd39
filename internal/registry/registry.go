// Package registry manages signed skill registrations: trust chain
// validation, canonical signature verification, revocation, and an
// append-only transparency log. The registry itself is bounded in-memory
// state; the log is the durable audit surface.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/canonical"
	"github.com/openskills/osp-server/internal/chainlog"
	"github.com/openskills/osp-server/pkg/models"
)

const (
	maxEntries = 10000
	maxLog     = 50000

	// AdminIdentity is the reserved signer id that may revoke any entry
	// when an admin key is configured.
	AdminIdentity = "__admin__"
)

// Exported errors let the dispatcher map failures onto protocol codes.
var (
	ErrNotFound     = errors.New("skill not found in registry")
	ErrRevoked      = errors.New("skill has been revoked")
	ErrUnauthorized = errors.New("signer not authorized")
)

// ValidationError marks a rejected entry (bad shape, trust chain or
// signature). It maps to an invalid-params response.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return e.Reason }

// Service is the skill registry. Safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	entries map[string]*models.RegistryEntry
	order   []string
	revoked map[string]bool
	tlog    *chainlog.Log

	adminKeySet bool
	log         zerolog.Logger
	now         func() time.Time
}

// NewService builds a registry. adminKeySet enables the __admin__
// revocation override.
func NewService(adminKeySet bool, log zerolog.Logger) *Service {
	return &Service{
		entries:     make(map[string]*models.RegistryEntry),
		revoked:     make(map[string]bool),
		tlog:        chainlog.New(maxLog),
		adminKeySet: adminKeySet,
		log:         log.With().Str("component", "registry").Logger(),
		now:         time.Now,
	}
}

// Register validates and stores a signed registry entry. The entry's
// signature must cover its canonical form minus the signature field and
// the server-managed fields.
func (s *Service) Register(entry models.RegistryEntry) (*models.RegistryEntry, error) {
	switch entry.EntryType {
	case models.EntryRegister, models.EntryDelegate, models.EntryKeyRotate:
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid entry_type for registration: %q", entry.EntryType)}
	}

	if entry.SkillRef == "" {
		return nil, &ValidationError{Reason: "missing skill_ref"}
	}
	if !models.SkillRefPattern.MatchString(entry.SkillRef) {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed skill_ref: %q", entry.SkillRef)}
	}
	if !models.ContentHashPattern.MatchString(entry.ContentHash) {
		return nil, &ValidationError{Reason: "invalid content_hash: must be 64-char lowercase hex (SHA-256)"}
	}
	if entry.Signature == "" {
		return nil, &ValidationError{Reason: "missing signature"}
	}
	if !canonical.AlgSupported(entry.Alg) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported algorithm: %q", entry.Alg)}
	}

	if err := s.VerifyTrustChain(entry.TrustAnchor); err != nil {
		return nil, &ValidationError{Reason: "trust chain verification failed: " + err.Error()}
	}

	if err := s.verifySignature(entry); err != nil {
		s.mu.Lock()
		s.appendLog("REGISTER_REJECTED", entry.SkillRef, map[string]any{
			"reason":    "invalid_signature",
			"alg":       entry.Alg,
			"signed_by": entry.SignedBy,
		})
		s.mu.Unlock()
		return nil, &ValidationError{Reason: "signature verification failed: " + err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked[entry.SkillRef] {
		return nil, fmt.Errorf("%w: %s", ErrRevoked, entry.SkillRef)
	}

	stored := entry
	if stored.Timestamp == 0 {
		stored.Timestamp = s.now().Unix()
	}
	stored.Status = "active"
	stored.RegisteredAt = s.now().UTC().Format(time.RFC3339)

	if _, ok := s.entries[entry.SkillRef]; !ok && len(s.entries) >= maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	if _, ok := s.entries[entry.SkillRef]; !ok {
		s.order = append(s.order, entry.SkillRef)
	}
	s.entries[entry.SkillRef] = &stored

	s.appendLog("REGISTERED", entry.SkillRef, map[string]any{
		"entry_type":   entry.EntryType,
		"alg":          entry.Alg,
		"signed_by":    entry.SignedBy,
		"content_hash": entry.ContentHash[:16] + "...",
	})
	s.log.Info().Str("skill_ref", entry.SkillRef).Str("signed_by", entry.SignedBy).Msg("skill registered")

	return &stored, nil
}

// Revoke marks a skill revoked. Only the original signer, or the admin
// identity when an admin key is configured, may revoke.
func (s *Service) Revoke(skillRef, signedBy string) (*models.RegistryEntry, error) {
	if skillRef == "" {
		return nil, &ValidationError{Reason: "missing skill_ref"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[skillRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, skillRef)
	}

	isAdmin := s.adminKeySet && signedBy == AdminIdentity
	if existing.SignedBy != signedBy && !isAdmin {
		return nil, fmt.Errorf("%w: only %q or admin can revoke this skill", ErrUnauthorized, existing.SignedBy)
	}

	existing.Status = "revoked"
	existing.RevokedAt = s.now().UTC().Format(time.RFC3339)
	existing.RevokedBy = signedBy
	s.revoked[skillRef] = true

	s.appendLog("REVOKED", skillRef, map[string]any{"revoked_by": signedBy})
	s.log.Info().Str("skill_ref", skillRef).Str("revoked_by", signedBy).Msg("skill revoked")

	return existing, nil
}

// Get returns the current entry for a skill ref.
func (s *Service) Get(skillRef string) (*models.RegistryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[skillRef]
	return e, ok
}

// IsRevoked reports whether a skill ref is on the revocation list.
func (s *Service) IsRevoked(skillRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[skillRef]
}

// List returns all entries with the given status, in registration order.
func (s *Service) List(status string) []*models.RegistryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.RegistryEntry{}
	for _, ref := range s.order {
		if e, ok := s.entries[ref]; ok && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// LogPage is one page of the transparency log.
type LogPage struct {
	Total   int               `json:"total"`
	Offset  int               `json:"offset"`
	Limit   int               `json:"limit"`
	Entries []chainlog.Record `json:"entries"`
}

// TransparencyLog returns a page of the append-only log.
func (s *Service) TransparencyLog(limit, offset int) LogPage {
	if limit <= 0 {
		limit = 100
	}
	return LogPage{
		Total:   s.tlog.Len(),
		Offset:  offset,
		Limit:   limit,
		Entries: s.tlog.Page(offset, limit),
	}
}

// VerifyTrustChain validates a trust anchor. Self-signed anchors carry
// the lowest trust and always pass; the CA and DID forms need their
// supporting fields.
func (s *Service) VerifyTrustChain(anchor models.TrustAnchor) error {
	switch anchor.Type {
	case models.AnchorSelfSigned:
		return nil
	case models.AnchorRootCA:
		if anchor.URI == "" {
			return errors.New("root_ca requires uri")
		}
		return nil
	case models.AnchorIntermediateCA:
		if anchor.URI == "" {
			return errors.New("intermediate_ca requires uri")
		}
		if anchor.Proof == "" {
			return errors.New("intermediate_ca requires proof")
		}
		return nil
	case models.AnchorDID:
		if !strings.HasPrefix(anchor.URI, "did:") {
			return errors.New(`did anchor uri must start with "did:"`)
		}
		return nil
	case "":
		return errors.New("missing trust anchor")
	default:
		return fmt.Errorf("unknown trust anchor type: %q", anchor.Type)
	}
}

// verifySignature checks the entry signature over its signed view. Self
// signed entries pass without a key; anything else needs the anchor's
// public key and a valid signature.
func (s *Service) verifySignature(entry models.RegistryEntry) error {
	if entry.TrustAnchor.Type == models.AnchorSelfSigned {
		return nil
	}

	key := entry.TrustAnchor.PublicKey
	if key == "" {
		return errors.New("no public key on trust anchor")
	}
	view, err := signedView(entry)
	if err != nil {
		return err
	}
	if !canonical.Verify(view, entry.Signature, []byte(key), entry.Alg) {
		return errors.New("cryptographic verification failed")
	}
	return nil
}

// signedView strips the signature field and every server-managed field;
// the remaining JSON object is what signers canonicalize and sign.
func signedView(entry models.RegistryEntry) (map[string]any, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for _, k := range []string{"signature", "status", "registered_at", "revoked_at", "revoked_by"} {
		delete(m, k)
	}
	return m, nil
}

// SignedView exposes the signable form for clients and tests that need
// to produce valid entries.
func SignedView(entry models.RegistryEntry) (map[string]any, error) { return signedView(entry) }

// appendLog must be called with s.mu held.
func (s *Service) appendLog(eventType, skillRef string, payload map[string]any) {
	if _, err := s.tlog.Append(s.now().Unix(), eventType, chainlog.Record{
		SkillRef: skillRef,
		Payload:  payload,
	}); err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("transparency log append failed")
	}
}
