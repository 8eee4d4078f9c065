// Package registry is the typed registration collaborator: it turns an
// ingested unit into a project and refuses to create two projects for the
// same (owner, identity).
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/identity"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// Source records which ingestion path created a project.
type Source string

const (
	SourceFilesystem Source = "filesystem"
	SourceTapis      Source = "tapis"
)

// Project is a registered unit of work.
type Project struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Identity     string    `json:"identity"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Tags         []string  `json:"tags"`
	Source       Source    `json:"source"`
	SourceSystem string    `json:"source_system,omitempty"`
	SourcePath   string    `json:"source_path,omitempty"`
	ImportURL    string    `json:"import_url,omitempty"`
	ImageCount   int       `json:"image_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Metadata mirrors metadata.json inside a deposited unit.
type Metadata struct {
	ProjectName       string         `json:"project_name"`
	Description       string         `json:"description"`
	ProcessingOptions map[string]any `json:"processing_options"`
	ImportedAt        string         `json:"imported_at"`
	ImageCount        int            `json:"image_count"`
}

// RegisterRequest is what the directory scanner hands over after claiming
// a unit.
type RegisterRequest struct {
	RootPath    string
	SymlinkPath string
	Owner       string
	UnitName    string
	Identity    identity.ID
	Metadata    Metadata
}

// Registrar registers filesystem units.
type Registrar interface {
	Register(ctx context.Context, req RegisterRequest) (string, error)
}

// Projects is the project lookup and creation API used by remote discovery.
type Projects interface {
	FindByIdentity(ctx context.Context, owner string, id identity.ID) (*Project, error)
	Create(ctx context.Context, p Project) (*Project, error)
	Get(ctx context.Context, owner, projectID string) (*Project, error)
	ListBySource(ctx context.Context, owner string, source Source) ([]Project, error)
}

// SQLRegistry implements Registrar and Projects over the projects table.
type SQLRegistry struct {
	db  *storage.DB
	now func() time.Time
}

func NewSQLRegistry(db *storage.DB) *SQLRegistry {
	return &SQLRegistry{db: db, now: time.Now}
}

type projectRow struct {
	ID           string `db:"id"`
	Owner        string `db:"owner"`
	Identity     string `db:"identity"`
	Name         string `db:"name"`
	Description  string `db:"description"`
	Tags         string `db:"tags"`
	Source       string `db:"source"`
	SourceSystem string `db:"source_system"`
	SourcePath   string `db:"source_path"`
	ImportURL    string `db:"import_url"`
	ImageCount   int    `db:"image_count"`
	CreatedAt    int64  `db:"created_at"`
}

func (r projectRow) project() Project {
	var tags []string
	if r.Tags != "" {
		tags = strings.Split(r.Tags, ",")
	}
	return Project{
		ID:           r.ID,
		Owner:        r.Owner,
		Identity:     r.Identity,
		Name:         r.Name,
		Description:  r.Description,
		Tags:         tags,
		Source:       Source(r.Source),
		SourceSystem: r.SourceSystem,
		SourcePath:   r.SourcePath,
		ImportURL:    r.ImportURL,
		ImageCount:   r.ImageCount,
		CreatedAt:    storage.FromMillis(r.CreatedAt),
	}
}

const projectColumns = `id, owner, identity, name, description, tags, source, source_system, source_path, import_url, image_count, created_at`

// Create inserts p. A second project for the same (owner, identity) is
// rejected with a duplicate error.
func (s *SQLRegistry) Create(ctx context.Context, p Project) (*Project, error) {
	const op = "registry.Create"
	if p.Owner == "" || p.Identity == "" || p.Name == "" {
		return nil, errs.Validation(op, "owner, identity and name are required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	res, err := s.db.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, identity) DO NOTHING
	`, p.ID, p.Owner, p.Identity, p.Name, p.Description, strings.Join(p.Tags, ","), string(p.Source),
		p.SourceSystem, p.SourcePath, p.ImportURL, p.ImageCount, storage.Millis(p.CreatedAt))
	if err != nil {
		return nil, errs.E(errs.KindTransientRemote, op, err)
	}
	if storage.Affected(res) == 0 {
		return nil, errs.Duplicate(op, "project for %s/%s already exists", p.Owner, p.Identity)
	}
	return &p, nil
}

// FindByIdentity returns nil, nil when no project exists.
func (s *SQLRegistry) FindByIdentity(ctx context.Context, owner string, id identity.ID) (*Project, error) {
	var row projectRow
	err := s.db.Get(ctx, &row, `SELECT `+projectColumns+` FROM projects WHERE owner = ? AND identity = ?`, owner, id.String())
	if storage.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := row.project()
	return &p, nil
}

func (s *SQLRegistry) Get(ctx context.Context, owner, projectID string) (*Project, error) {
	var row projectRow
	err := s.db.Get(ctx, &row, `SELECT `+projectColumns+` FROM projects WHERE owner = ? AND id = ?`, owner, projectID)
	if storage.IsNoRows(err) {
		return nil, errs.NotFound("registry.Get", "project %s not found", projectID)
	}
	if err != nil {
		return nil, err
	}
	p := row.project()
	return &p, nil
}

func (s *SQLRegistry) ListBySource(ctx context.Context, owner string, source Source) ([]Project, error) {
	var rows []projectRow
	if err := s.db.Select(ctx, &rows, `SELECT `+projectColumns+` FROM projects WHERE owner = ? AND source = ? ORDER BY created_at DESC`, owner, string(source)); err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.project())
	}
	return out, nil
}

// Register creates the project for a filesystem unit. Registering the same
// identity twice returns the existing project id.
func (s *SQLRegistry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	name := req.Metadata.ProjectName
	if name == "" {
		name = req.UnitName
	}

	p, err := s.Create(ctx, Project{
		Owner:       req.Owner,
		Identity:    req.Identity.String(),
		Name:        name,
		Description: req.Metadata.Description,
		Tags:        []string{"filesystem", req.Owner},
		Source:      SourceFilesystem,
		SourcePath:  req.SymlinkPath,
		ImportURL:   "file://" + req.SymlinkPath,
		ImageCount:  req.Metadata.ImageCount,
	})
	if errs.Is(err, errs.KindDuplicate) {
		existing, ferr := s.FindByIdentity(ctx, req.Owner, req.Identity)
		if ferr != nil || existing == nil {
			return "", err
		}
		logging.Debug("Registry", "unit %s already registered as %s", req.Identity, existing.ID)
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}
	logging.Info("Registry", "registered %s for %s as project %s", req.Identity, req.Owner, p.ID)
	return p.ID, nil
}
