// Package flights discovers drone flights on Tapis storage systems and turns
// them into projects, using the same identity discipline as the directory
// scanner: one project per (system, flight) and owner.
package flights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/providentiaww/ptdatax-ingest/internal/cache"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/identity"
	"github.com/providentiaww/ptdatax-ingest/internal/lease"
	"github.com/providentiaww/ptdatax-ingest/internal/metrics"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/internal/queue"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

const (
	DefaultSystemPrefix = "ptdatax.project."
	DefaultConcurrency  = 4
	DefaultCacheTTL     = 5 * time.Minute

	codeDir   = "code"
	imagesDir = "images"
)

// ErrDiscoveryInProgress is returned when discovery for the same user and
// client is already running.
var ErrDiscoveryInProgress = errors.New("discovery already in progress")

// Remote is the Tapis files API.
type Remote interface {
	ListSystems(ctx context.Context, ep tapis.Endpoint, tok *oauth2.Token, prefix string) ([]tapis.System, error)
	ListFiles(ctx context.Context, ep tapis.Endpoint, tok *oauth2.Token, systemID, path string) ([]tapis.File, error)
	Download(ctx context.Context, ep tapis.Endpoint, tok *oauth2.Token, systemID, path string, w io.Writer) (int64, error)
}

// TokenSource hands out live access tokens.
type TokenSource interface {
	ValidToken(ctx context.Context, userID, clientID string) (*oauth.Token, error)
}

// ClientStore resolves OAuth2 clients and their users.
type ClientStore interface {
	GetActiveClient(ctx context.Context, clientID string) (*oauth.Client, error)
	ListUsersWithTokens(ctx context.Context, clientID string) ([]string, error)
}

// Config tunes discovery.
type Config struct {
	SystemPrefix string
	Concurrency  int
	CacheTTL     time.Duration
	DownloadDir  string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Remote      Remote
	Tokens      TokenSource
	Clients     ClientStore
	Projects    registry.Projects
	Preferences *PreferenceStore
	// Publisher receives image-sync jobs for created projects. Nil drops
	// them.
	Publisher queue.Publisher
	// Locks serializes discovery per (user, client). Nil uses in-process
	// mutexes.
	Locks *lease.Keyed
}

// Service runs remote discovery on behalf of authenticated users.
type Service struct {
	cfg     Config
	remote  Remote
	tokens  TokenSource
	clients ClientStore
	reg     registry.Projects
	prefs   *PreferenceStore
	pub     queue.Publisher
	locks   *lease.Keyed
	systems *cache.TTL[[]tapis.System]
	now     func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.SystemPrefix == "" {
		cfg.SystemPrefix = DefaultSystemPrefix
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if deps.Publisher == nil {
		deps.Publisher = queue.Discard{}
	}
	if deps.Locks == nil {
		deps.Locks = lease.NewKeyed(nil)
	}
	return &Service{
		cfg:     cfg,
		remote:  deps.Remote,
		tokens:  deps.Tokens,
		clients: deps.Clients,
		reg:     deps.Projects,
		prefs:   deps.Preferences,
		pub:     deps.Publisher,
		locks:   deps.Locks,
		systems: cache.New[[]tapis.System](cfg.CacheTTL),
		now:     time.Now,
	}
}

// SystemPrefix is the id prefix that marks project systems.
func (s *Service) SystemPrefix() string { return s.cfg.SystemPrefix }

// session is a resolved (client, token) pair for one user.
type session struct {
	userID string
	client *oauth.Client
	tok    *oauth2.Token
}

func (s *Service) session(ctx context.Context, userID, clientID string) (*session, error) {
	client, err := s.clients.GetActiveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	tok, err := s.tokens.ValidToken(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	return &session{userID: userID, client: client, tok: tok.OAuth2()}, nil
}

// ListSystems returns the project systems visible to the user. Listings are
// cached per (user, client).
func (s *Service) ListSystems(ctx context.Context, userID, clientID string) ([]tapis.System, error) {
	sess, err := s.session(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	return s.listSystems(ctx, sess)
}

func (s *Service) listSystems(ctx context.Context, sess *session) ([]tapis.System, error) {
	key := sess.userID + "|" + sess.client.ClientID
	if cached, ok := s.systems.Get(key); ok {
		return cached, nil
	}
	all, err := s.remote.ListSystems(ctx, sess.client.Endpoint(), sess.tok, s.cfg.SystemPrefix)
	if err != nil {
		return nil, err
	}
	systems := make([]tapis.System, 0, len(all))
	for _, sys := range all {
		if strings.HasPrefix(sys.ID, s.cfg.SystemPrefix) {
			systems = append(systems, sys)
		}
	}
	s.systems.Set(key, systems)
	return systems, nil
}

// RemoteFlight is a flight directory with at least one JPEG under
// <flight>/code/images/.
type RemoteFlight struct {
	SystemID     string    `json:"system_id"`
	FlightName   string    `json:"flight_name"`
	ImagesPath   string    `json:"images_path"`
	ImageCount   int       `json:"image_count"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DiscoveryResult aggregates one discovery pass. Errors are per system or
// per flight; an empty Flights with no Errors means nothing was found.
type DiscoveryResult struct {
	SystemsScanned    int              `json:"systems_scanned"`
	FlightsDiscovered int              `json:"flights_discovered"`
	Flights           []RemoteFlight   `json:"flights"`
	Errors            []errs.ItemError `json:"errors"`
}

// DiscoverFlights scans the given systems, or every visible project system
// when none are given. Systems are scanned concurrently; a failing system
// is reported and does not stop the others.
func (s *Service) DiscoverFlights(ctx context.Context, userID, clientID string, systems []string) (*DiscoveryResult, error) {
	sess, err := s.session(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	return s.discover(ctx, sess, systems)
}

func (s *Service) discover(ctx context.Context, sess *session, systems []string) (*DiscoveryResult, error) {
	res := &DiscoveryResult{Flights: []RemoteFlight{}, Errors: []errs.ItemError{}}

	if len(systems) == 0 {
		visible, err := s.listSystems(ctx, sess)
		if err != nil {
			return nil, err
		}
		for _, sys := range visible {
			systems = append(systems, sys.ID)
		}
	}

	var targets []string
	seen := make(map[string]bool)
	for _, id := range systems {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !strings.HasPrefix(id, s.cfg.SystemPrefix) {
			res.Errors = append(res.Errors, errs.Item(id,
				errs.Validation("flights.Discover", "system id must start with %s", s.cfg.SystemPrefix)))
			continue
		}
		targets = append(targets, id)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, systemID := range targets {
		g.Go(func() error {
			flights, itemErrs := s.scanSystem(gctx, sess, systemID)
			mu.Lock()
			defer mu.Unlock()
			res.SystemsScanned++
			res.Flights = append(res.Flights, flights...)
			res.Errors = append(res.Errors, itemErrs...)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Flights, func(i, j int) bool {
		a, b := res.Flights[i], res.Flights[j]
		if a.SystemID != b.SystemID {
			return a.SystemID < b.SystemID
		}
		return a.FlightName < b.FlightName
	})
	res.FlightsDiscovered = len(res.Flights)
	metrics.FlightsDiscovered.Add(float64(res.FlightsDiscovered))
	return res, nil
}

// scanSystem lists the top-level directories of a system and keeps those
// laid out as flights.
func (s *Service) scanSystem(ctx context.Context, sess *session, systemID string) ([]RemoteFlight, []errs.ItemError) {
	root, err := s.remote.ListFiles(ctx, sess.client.Endpoint(), sess.tok, systemID, "")
	if err != nil {
		logging.Warn("Flights", "failed to list system %s: %v", systemID, err)
		return nil, []errs.ItemError{errs.Item(systemID, err)}
	}

	var flights []RemoteFlight
	var itemErrs []errs.ItemError
	for _, entry := range root {
		if !entry.IsDir() || entry.Name == "" {
			continue
		}
		if ctx.Err() != nil {
			itemErrs = append(itemErrs, errs.Item(systemID, errs.E(errs.KindTransientRemote, "flights.scanSystem", ctx.Err())))
			break
		}
		flight, err := s.checkFlight(ctx, sess, systemID, entry.Name)
		if err != nil {
			itemErrs = append(itemErrs, errs.Item(systemID+"/"+entry.Name, err))
			continue
		}
		if flight != nil {
			flights = append(flights, *flight)
		}
	}
	logging.Debug("Flights", "found %d flights in system %s", len(flights), systemID)
	return flights, itemErrs
}

// checkFlight returns nil, nil when the directory is not a flight.
func (s *Service) checkFlight(ctx context.Context, sess *session, systemID, name string) (*RemoteFlight, error) {
	ep := sess.client.Endpoint()
	code, err := s.remote.ListFiles(ctx, ep, sess.tok, systemID, name+"/"+codeDir)
	if errs.Is(err, errs.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !hasDir(code, imagesDir) {
		return nil, nil
	}

	imagesPath := name + "/" + codeDir + "/" + imagesDir
	images, err := s.remote.ListFiles(ctx, ep, sess.tok, systemID, imagesPath)
	if errs.Is(err, errs.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	count := 0
	for _, f := range images {
		if isFlightImage(f) {
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}
	return &RemoteFlight{
		SystemID:     systemID,
		FlightName:   name,
		ImagesPath:   imagesPath,
		ImageCount:   count,
		DiscoveredAt: s.now().UTC(),
	}, nil
}

func hasDir(entries []tapis.File, name string) bool {
	for _, e := range entries {
		if e.IsDir() && e.Name == name {
			return true
		}
	}
	return false
}

func isFlightImage(f tapis.File) bool {
	if f.IsDir() {
		return false
	}
	name := strings.ToLower(f.Name)
	return strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg")
}

// CreateRequest selects what CreateProjects works on: a fresh discovery pass
// when AutoDiscover is set, otherwise the listed flights. Listed flights are
// checked against the remote before a project is made.
type CreateRequest struct {
	AutoDiscover bool           `json:"auto_discover"`
	Flights      []RemoteFlight `json:"flights"`
}

// CreatedProject describes one project made from a flight.
type CreatedProject struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	FlightName  string `json:"flight_name"`
	SystemID    string `json:"system_id"`
	ImageCount  int    `json:"image_count"`
}

// Summary is the result of CreateProjects.
type Summary struct {
	SystemsScanned    int              `json:"systems_scanned"`
	FlightsDiscovered int              `json:"flights_discovered"`
	ProjectsCreated   int              `json:"projects_created"`
	ProjectsSkipped   int              `json:"projects_skipped"`
	Created           []CreatedProject `json:"created_projects"`
	Errors            []errs.ItemError `json:"errors"`
}

// PartialFailure distinguishes "nothing new" from "something failed".
func (s *Summary) PartialFailure() bool { return len(s.Errors) > 0 }

// CreateProjects creates one project per flight that has none yet. Runs for
// the same (user, client) never overlap; a second concurrent call fails
// with ErrDiscoveryInProgress.
func (s *Service) CreateProjects(ctx context.Context, userID, clientID string, req CreateRequest) (*Summary, error) {
	const op = "flights.CreateProjects"
	if !req.AutoDiscover && len(req.Flights) == 0 {
		return nil, errs.Validation(op, "no flights provided")
	}
	release, err := s.locks.TryAcquire(ctx, userID+"|"+clientID)
	if errors.Is(err, lease.ErrHeld) {
		return nil, errs.E(errs.KindDuplicate, op, ErrDiscoveryInProgress)
	}
	if err != nil {
		return nil, errs.E(errs.KindTransientRemote, op, err)
	}
	defer release()

	sess, err := s.session(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	prefs, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Created: []CreatedProject{}, Errors: []errs.ItemError{}}
	flights := req.Flights
	if req.AutoDiscover {
		found, err := s.discover(ctx, sess, prefs.PreferredSystems)
		if err != nil {
			return nil, err
		}
		sum.SystemsScanned = found.SystemsScanned
		sum.FlightsDiscovered = found.FlightsDiscovered
		sum.Errors = append(sum.Errors, found.Errors...)
		flights = found.Flights
	} else {
		systems := make(map[string]bool)
		for _, f := range flights {
			systems[f.SystemID] = true
		}
		sum.SystemsScanned = len(systems)
		sum.FlightsDiscovered = len(flights)
	}

	for _, f := range flights {
		if sum.ProjectsCreated >= prefs.MaxProjectsPerDiscovery {
			sum.ProjectsSkipped++
			continue
		}
		if !req.AutoDiscover {
			checked, err := s.verifyFlight(ctx, sess, f)
			if err != nil {
				sum.Errors = append(sum.Errors, errs.Item(f.SystemID+"/"+f.FlightName, err))
				continue
			}
			f = *checked
		}
		created, err := s.createFromFlight(ctx, sess, f)
		if err != nil {
			sum.Errors = append(sum.Errors, errs.Item(f.SystemID+"/"+f.FlightName, err))
			continue
		}
		if created == nil {
			sum.ProjectsSkipped++
			continue
		}
		sum.ProjectsCreated++
		sum.Created = append(sum.Created, *created)
	}

	logging.Info("Flights", "discovery for user %s: %d systems, %d flights, %d created, %d errors",
		userID, sum.SystemsScanned, sum.FlightsDiscovered, sum.ProjectsCreated, len(sum.Errors))
	return sum, nil
}

// verifyFlight re-reads a caller-supplied flight from the remote. The
// images path and count of the result come from the remote listing.
func (s *Service) verifyFlight(ctx context.Context, sess *session, f RemoteFlight) (*RemoteFlight, error) {
	const op = "flights.verifyFlight"
	if !strings.HasPrefix(f.SystemID, s.cfg.SystemPrefix) {
		return nil, errs.Validation(op, "system id must start with %s", s.cfg.SystemPrefix)
	}
	if _, err := identity.Derive(f.SystemID, f.FlightName); err != nil {
		return nil, err
	}
	checked, err := s.checkFlight(ctx, sess, f.SystemID, f.FlightName)
	if err != nil {
		return nil, err
	}
	if checked == nil {
		return nil, errs.NotFound(op, "no flight %s with images on %s", f.FlightName, f.SystemID)
	}
	return checked, nil
}

// createFromFlight returns nil, nil when a project already exists for the
// flight.
func (s *Service) createFromFlight(ctx context.Context, sess *session, f RemoteFlight) (*CreatedProject, error) {
	const op = "flights.createFromFlight"
	if !strings.HasPrefix(f.SystemID, s.cfg.SystemPrefix) {
		return nil, errs.Validation(op, "system id must start with %s", s.cfg.SystemPrefix)
	}
	id, err := identity.Derive(f.SystemID, f.FlightName)
	if err != nil {
		return nil, err
	}
	if f.ImagesPath == "" {
		f.ImagesPath = f.FlightName + "/" + codeDir + "/" + imagesDir
	}
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = s.now().UTC()
	}

	existing, err := s.reg.FindByIdentity(ctx, sess.userID, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logging.Debug("Flights", "project already exists for %s", id)
		return nil, nil
	}

	p, err := s.reg.Create(ctx, registry.Project{
		Owner:        sess.userID,
		Identity:     id.String(),
		Name:         fmt.Sprintf("%s (%s)", f.FlightName, f.SystemID),
		Description:  flightDescription(f),
		Tags:         []string{"tapis", "flight", f.SystemID, f.FlightName},
		Source:       registry.SourceTapis,
		SourceSystem: f.SystemID,
		SourcePath:   f.ImagesPath,
		ImportURL:    fmt.Sprintf("tapis://%s/%s", f.SystemID, f.ImagesPath),
		ImageCount:   f.ImageCount,
	})
	if errs.Is(err, errs.KindDuplicate) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.FlightProjectsCreated.Inc()

	job := queue.ImageSyncJob{
		ProjectID:   p.ID,
		UserID:      sess.userID,
		ClientID:    sess.client.ClientID,
		SystemID:    f.SystemID,
		ImagesPath:  f.ImagesPath,
		RequestedAt: s.now().UTC(),
	}
	if err := s.pub.Publish(ctx, job); err != nil {
		logging.Error("Flights", err, "failed to queue image sync for project %s", p.ID)
	}

	return &CreatedProject{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		FlightName:  f.FlightName,
		SystemID:    f.SystemID,
		ImageCount:  f.ImageCount,
	}, nil
}

func flightDescription(f RemoteFlight) string {
	return fmt.Sprintf("Auto-created from Tapis system %s\nFlight: %s\nImages path: %s\nImage count: %d\nDiscovered: %s",
		f.SystemID, f.FlightName, f.ImagesPath, f.ImageCount, f.DiscoveredAt.Format(time.RFC3339))
}

// FlightProjects lists the user's projects created from Tapis flights.
func (s *Service) FlightProjects(ctx context.Context, userID string) ([]registry.Project, error) {
	return s.reg.ListBySource(ctx, userID, registry.SourceTapis)
}
