package engine

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"siteline/internal/checklist"
	"siteline/internal/config"
	"siteline/internal/domain"
	"siteline/internal/events"
	"siteline/internal/repo"
)

// ErrConflict reports a transition that lost to a concurrent writer. The
// stored record was left as the winner wrote it; the caller should re-read
// and retry from the fresh snapshot.
var ErrConflict = errors.New("concurrent update conflict")

// ErrDeletionDenied reports a deletion attempt with a wrong or missing
// admin code.
var ErrDeletionDenied = errors.New("deletion denied")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SiteCreateOptions are parameters for registering a new lead.
type SiteCreateOptions struct {
	SiteID     string
	Name       string
	Address    string
	OwnerName  string
	OwnerPhone string
	ActorID    string
}

func (e Engine) CreateSite(ctx context.Context, opts SiteCreateOptions) (domain.Site, error) {
	if e.Config == nil {
		return domain.Site{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Site{}, errors.New("name is required")
	}
	code := opts.SiteID
	if code == "" {
		code = fmt.Sprintf("%s-%d", e.Config.Sites.CodePrefix, 100+rand.Intn(900))
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Site{
		ID:         uuid.New().String(),
		SiteID:     code,
		Name:       opts.Name,
		Address:    opts.Address,
		OwnerName:  opts.OwnerName,
		OwnerPhone: opts.OwnerPhone,
		Status:     StatusLead,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Site{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSite(ctx, tx, s); err != nil {
		return domain.Site{}, fmt.Errorf("insert site: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "site.created", s.ID, "site", s.ID, opts.ActorID, events.EventPayload{
		"site_id": s.SiteID,
		"status":  s.Status,
	}); err != nil {
		return domain.Site{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Site{}, err
	}
	return s, nil
}

// TransitionOptions are parameters for a lifecycle transition attempt.
// ExpectedVersion of zero means "whatever version is current", which keeps
// single-writer callers simple; concurrent clients pass the version of the
// snapshot they acted on.
type TransitionOptions struct {
	ID              string
	Action          Action
	Role            string
	ActorID         string
	ExpectedVersion int64
	Payload         TransitionPayload
}

// Transition runs one guarded lifecycle step. The guard decides legality
// and the patch; this method applies both atomically under a version
// compare-and-swap, so a rejected or conflicted attempt writes nothing.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Site, error) {
	if e.Config == nil {
		return domain.Site{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Site{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSiteTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Site{}, err
	}
	expected := opts.ExpectedVersion
	if expected == 0 {
		expected = s.Version
	}
	res, err := GuardTransition(opts.Role, s.Status, opts.Action, opts.Payload)
	if err != nil {
		return s, err
	}
	oldStatus := s.Status
	s.Status = res.NextStatus
	if err := applyPatch(&s, res.Patch); err != nil {
		return s, err
	}
	s.Version = expected + 1
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateSite(ctx, tx, s, expected); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return s, ErrConflict
		}
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "site.transitioned", s.ID, "site", s.ID, opts.ActorID, events.EventPayload{
		"action":      string(opts.Action),
		"from_status": oldStatus,
		"to_status":   s.Status,
		"version":     s.Version,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func applyPatch(s *domain.Site, p Patch) error {
	if p.VisitDate != nil {
		s.VisitDate = p.VisitDate
	}
	if p.Checklist != nil {
		raw, err := marshalJSON(p.Checklist)
		if err != nil {
			return err
		}
		s.ChecklistJSON = raw
	}
	if p.TechAssessment != nil {
		raw, err := marshalJSON(p.TechAssessment)
		if err != nil {
			return err
		}
		s.TechAssessmentJSON = raw
	}
	if p.Decision != nil {
		raw, err := marshalJSON(p.Decision)
		if err != nil {
			return err
		}
		s.DecisionJSON = raw
	}
	if p.Installation != nil {
		raw, err := marshalJSON(p.Installation)
		if err != nil {
			return err
		}
		s.InstallationJSON = raw
	}
	if p.Deployment != nil {
		raw, err := marshalJSON(p.Deployment)
		if err != nil {
			return err
		}
		s.DeploymentJSON = raw
	}
	return nil
}

func marshalJSON(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func (e Engine) GetSite(ctx context.Context, id string) (domain.Site, error) {
	return e.Repo.GetSite(ctx, id)
}

func (e Engine) ListSites(ctx context.Context, f repo.SiteFilters) ([]domain.Site, error) {
	return e.Repo.ListSites(ctx, f)
}

// DeleteSite removes a site from any status once the out-of-band admin
// code matches. Photos are left orphaned on purpose. A wrong code reveals
// nothing about whether the site exists.
func (e Engine) DeleteSite(ctx context.Context, id, adminCode, actorID string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if !e.adminCodeMatches(adminCode) {
		return ErrDeletionDenied
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSiteTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteSite(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "site.deleted", s.ID, "site", s.ID, actorID, events.EventPayload{
		"site_id":     s.SiteID,
		"last_status": s.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) adminCodeMatches(code string) bool {
	want := strings.TrimSpace(e.Config.Admin.DeleteCodeSHA256)
	if want == "" || code == "" {
		return false
	}
	sum := sha256.Sum256([]byte(code))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(want))) == 1
}

// PhotoAddOptions are parameters for registering a captured photo.
type PhotoAddOptions struct {
	SiteID    string
	Category  string
	ImageData string
	ActorID   string
}

// Photo categories with a dedicated checklist flag. Anything starting
// with "Additional" counts into the additional series instead.
var photoCategories = []string{"Front", "Entrance", "Install Spot", "Meter", "Roads"}

func validPhotoCategory(category string) bool {
	for _, c := range photoCategories {
		if category == c {
			return true
		}
	}
	return strings.HasPrefix(category, "Additional")
}

// AddPhoto appends a photo and then mirrors the category flag onto the
// site checklist. The mirror write is best effort: photos never contend
// with site transitions, so a lost flag update is tolerated and the photo
// itself is already committed.
func (e Engine) AddPhoto(ctx context.Context, opts PhotoAddOptions) (domain.Photo, error) {
	if opts.SiteID == "" {
		return domain.Photo{}, errors.New("site is required")
	}
	if opts.ImageData == "" {
		return domain.Photo{}, errors.New("image data is required")
	}
	if !validPhotoCategory(opts.Category) {
		return domain.Photo{}, fmt.Errorf("unknown photo category %q", opts.Category)
	}
	p := domain.Photo{
		ID:        uuid.New().String(),
		SiteID:    opts.SiteID,
		Category:  opts.Category,
		ImageData: opts.ImageData,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Photo{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPhoto(ctx, tx, p); err != nil {
		return domain.Photo{}, err
	}
	if err := e.Events.Append(ctx, tx, "photo.added", p.SiteID, "photo", p.ID, opts.ActorID, events.EventPayload{
		"category": p.Category,
	}); err != nil {
		return domain.Photo{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Photo{}, err
	}
	e.mirrorPhotoFlag(ctx, opts.SiteID, opts.Category, opts.ActorID)
	return p, nil
}

// mirrorPhotoFlag flips the photos_taken flag for the category on the site
// checklist. Skipped silently when the site is gone, has no checklist yet,
// or a concurrent transition won the version race.
func (e Engine) mirrorPhotoFlag(ctx context.Context, siteID, category, actorID string) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSiteTx(ctx, tx, siteID)
	if err != nil {
		return
	}
	c, err := s.DecodeChecklist()
	if err != nil || c == nil {
		return
	}
	switch category {
	case "Front":
		c.PhotosTaken.Front = true
	case "Entrance":
		c.PhotosTaken.Entrance = true
	case "Install Spot":
		c.PhotosTaken.InstallSpot = true
	case "Meter":
		c.PhotosTaken.Meter = true
	case "Roads":
		c.PhotosTaken.Roads = true
	default:
		c.PhotosTaken.Additional++
	}
	raw, err := marshalJSON(c)
	if err != nil {
		return
	}
	expected := s.Version
	s.ChecklistJSON = raw
	s.Version = expected + 1
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateSite(ctx, tx, s, expected); err != nil {
		return
	}
	_ = tx.Commit()
}

func (e Engine) ListPhotos(ctx context.Context, f repo.PhotoFilters) ([]domain.Photo, error) {
	return e.Repo.ListPhotos(ctx, f)
}

// SectionStatus returns the derived checklist flags for a site. A site
// without a checklist yet gets all-N flags.
func (e Engine) SectionStatus(ctx context.Context, id string) (checklist.Sections, error) {
	s, err := e.Repo.GetSite(ctx, id)
	if err != nil {
		return checklist.Sections{}, err
	}
	c, err := s.DecodeChecklist()
	if err != nil {
		return checklist.Sections{}, fmt.Errorf("decode checklist: %w", err)
	}
	if c == nil {
		c = &domain.Checklist{}
	}
	return checklist.SectionStatus(*c), nil
}

// FieldReport renders the shareable survey summary for a site.
func (e Engine) FieldReport(ctx context.Context, id string) (string, error) {
	s, err := e.Repo.GetSite(ctx, id)
	if err != nil {
		return "", err
	}
	c, err := s.DecodeChecklist()
	if err != nil {
		return "", fmt.Errorf("decode checklist: %w", err)
	}
	if c == nil {
		return "", errors.New("site has no checklist yet")
	}
	return checklist.FormatFieldReport(s.SiteID, *c, e.now()), nil
}

// DecisionReport renders the decision announcement block for a site.
func (e Engine) DecisionReport(ctx context.Context, id string) (string, error) {
	s, err := e.Repo.GetSite(ctx, id)
	if err != nil {
		return "", err
	}
	d, err := s.DecodeDecision()
	if err != nil {
		return "", fmt.Errorf("decode decision: %w", err)
	}
	if d == nil {
		return "", errors.New("site has no decision yet")
	}
	ta, err := s.DecodeTechAssessment()
	if err != nil {
		return "", fmt.Errorf("decode tech assessment: %w", err)
	}
	return checklist.FormatDecisionReport(s.SiteID, *d, ta), nil
}

// GrantRole gives an actor a pipeline role.
func (e Engine) GrantRole(ctx context.Context, actorID, role, grantedBy string) error {
	if role != repo.RoleOperator && role != repo.RoleAssessor {
		return fmt.Errorf("unknown role %q", role)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.GrantRole(ctx, tx, actorID, role, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", "", "actor", actorID, grantedBy, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a pipeline role from an actor.
func (e Engine) RevokeRole(ctx context.Context, actorID, role, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", "", "actor", actorID, revokedBy, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for an actor and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	plaintext := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "apikey", key.ID, createdBy, events.EventPayload{"actor_id": actorID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}
