package flights

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/identity"
	"github.com/providentiaww/ptdatax-ingest/internal/lease"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/internal/queue"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/storage/storagetest"
	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
)

const (
	lake   = "ptdatax.project.lake"
	broken = "ptdatax.project.broken"
)

// fakeTapis serves a fixed directory tree per system.
type fakeTapis struct {
	dirs map[string][]tapis.File // "system/path" -> entries
}

func newFakeTapis() *fakeTapis {
	file := func(name string) tapis.File { return tapis.File{Name: name, Type: "file"} }
	dir := func(name string) tapis.File { return tapis.File{Name: name, Type: "dir"} }
	return &fakeTapis{dirs: map[string][]tapis.File{
		lake + "/":                     {dir("Flight01"), dir("Flight02"), dir("Empty"), dir("NoImages"), file("notes.txt")},
		lake + "/Flight01/code":        {dir("images"), file("run.sh")},
		lake + "/Flight01/code/images": {file("a.JPG"), file("b.jpeg"), file("c.png"), dir("raw")},
		lake + "/Flight02/code":        {dir("images")},
		lake + "/Flight02/code/images": {file("x.jpg")},
		lake + "/NoImages/code":        {dir("images")},
		lake + "/NoImages/code/images": {file("c.tif")},
	}}
}

func content(system, p string) string { return "img:" + system + "/" + p }

func (f *fakeTapis) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer live-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	reply := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "result": result})
	}
	switch {
	case r.URL.Path == "/v3/systems":
		reply([]tapis.System{{ID: lake}, {ID: broken}, {ID: "other.system"}})
	case strings.HasPrefix(r.URL.Path, "/v3/files/ops/"):
		rest := strings.TrimPrefix(r.URL.Path, "/v3/files/ops/")
		system, p, _ := strings.Cut(rest, "/")
		if system == broken {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		key := system + "/" + strings.TrimSuffix(p, "/")
		entries, ok := f.dirs[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":"error","message":"not found"}`))
			return
		}
		out := make([]tapis.File, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				e.Size = int64(len(content(system, strings.TrimSuffix(p, "/")+"/"+e.Name)))
			}
			out = append(out, e)
		}
		reply(out)
	case strings.HasPrefix(r.URL.Path, "/v3/files/content/"):
		rest := strings.TrimPrefix(r.URL.Path, "/v3/files/content/")
		system, p, _ := strings.Cut(rest, "/")
		_, _ = w.Write([]byte(content(system, p)))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fakeTokens struct {
	failFor map[string]error
}

func (f *fakeTokens) ValidToken(_ context.Context, userID, clientID string) (*oauth.Token, error) {
	if err := f.failFor[userID]; err != nil {
		return nil, err
	}
	return &oauth.Token{UserID: userID, ClientID: clientID, AccessToken: "live-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeClients struct {
	client *oauth.Client
	users  []string
}

func (f *fakeClients) GetActiveClient(_ context.Context, clientID string) (*oauth.Client, error) {
	if clientID != f.client.ClientID {
		return nil, errs.NotFound("test", "client %s not found", clientID)
	}
	return f.client, nil
}

func (f *fakeClients) ListUsersWithTokens(context.Context, string) ([]string, error) {
	return f.users, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []queue.ImageSyncJob
}

func (p *recordingPublisher) Publish(_ context.Context, job queue.ImageSyncJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

type fixture struct {
	svc    *Service
	reg    *registry.SQLRegistry
	prefs  *PreferenceStore
	pub    *recordingPublisher
	tokens *fakeTokens
	locks  *lease.Keyed
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewServer(newFakeTapis())
	t.Cleanup(srv.Close)

	db := storagetest.New(t)
	f := &fixture{
		reg:    registry.NewSQLRegistry(db),
		prefs:  NewPreferenceStore(db),
		pub:    &recordingPublisher{},
		tokens: &fakeTokens{failFor: map[string]error{}},
		locks:  lease.NewKeyed(nil),
		dir:    t.TempDir(),
	}
	clients := &fakeClients{
		client: &oauth.Client{ClientID: "a", TenantID: "designsafe", BaseURL: srv.URL, Active: true},
		users:  []string{"u1", "u2"},
	}
	f.svc = NewService(Config{DownloadDir: f.dir}, Deps{
		Remote:      tapis.NewClient(tapis.WithMaxRetries(0), tapis.WithTimeout(2*time.Second)),
		Tokens:      f.tokens,
		Clients:     clients,
		Projects:    f.reg,
		Preferences: f.prefs,
		Publisher:   f.pub,
		Locks:       f.locks,
	})
	return f
}

func TestListSystemsFiltersPrefix(t *testing.T) {
	f := newFixture(t)
	systems, err := f.svc.ListSystems(context.Background(), "u1", "a")
	require.NoError(t, err)
	require.Len(t, systems, 2)
	assert.Equal(t, lake, systems[0].ID)
	assert.Equal(t, broken, systems[1].ID)

	_, err = f.svc.ListSystems(context.Background(), "u1", "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestDiscoverFlights(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.DiscoverFlights(context.Background(), "u1", "a", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.SystemsScanned)
	assert.Equal(t, 2, res.FlightsDiscovered)
	require.Len(t, res.Flights, 2)
	assert.Equal(t, "Flight01", res.Flights[0].FlightName)
	assert.Equal(t, "Flight01/code/images", res.Flights[0].ImagesPath)
	assert.Equal(t, 2, res.Flights[0].ImageCount)
	assert.Equal(t, "Flight02", res.Flights[1].FlightName)
	assert.Equal(t, 1, res.Flights[1].ImageCount)

	require.Len(t, res.Errors, 1, "the failing system is reported, not fatal")
	assert.Equal(t, broken, res.Errors[0].Item)
	assert.Equal(t, errs.KindTransientRemote.String(), res.Errors[0].Kind)
}

func TestDiscoverFlightsRejectsForeignSystem(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.DiscoverFlights(context.Background(), "u1", "a", []string{"other.system", lake})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SystemsScanned)
	assert.Equal(t, 2, res.FlightsDiscovered)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "other.system", res.Errors[0].Item)
	assert.Equal(t, "validation", res.Errors[0].Kind)
}

func TestCreateProjectsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.svc.CreateProjects(ctx, "u1", "a", CreateRequest{AutoDiscover: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ProjectsCreated)
	assert.True(t, sum.PartialFailure())
	require.Len(t, sum.Created, 2)
	assert.Equal(t, "Flight01 (ptdatax.project.lake)", sum.Created[0].ProjectName)
	assert.Len(t, f.pub.jobs, 2)

	id, err := identity.Derive(lake, "Flight01")
	require.NoError(t, err)
	p, err := f.reg.FindByIdentity(ctx, "u1", id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"tapis", "flight", lake, "Flight01"}, p.Tags)
	assert.Equal(t, "tapis://ptdatax.project.lake/Flight01/code/images", p.ImportURL)
	assert.Contains(t, p.Description, "Image count: 2")
	assert.Contains(t, p.Description, "Discovered: ")

	again, err := f.svc.CreateProjects(ctx, "u1", "a", CreateRequest{AutoDiscover: true})
	require.NoError(t, err)
	assert.Equal(t, 0, again.ProjectsCreated)
	assert.Equal(t, 2, again.ProjectsSkipped)
	assert.Len(t, f.pub.jobs, 2)

	projects, err := f.svc.FlightProjects(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	// another owner gets their own projects
	other, err := f.svc.CreateProjects(ctx, "u2", "a", CreateRequest{AutoDiscover: true})
	require.NoError(t, err)
	assert.Equal(t, 2, other.ProjectsCreated)
}

func TestCreateProjectsHonoursPreferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	maxProjects := 1
	systems := []string{lake}
	_, err := f.prefs.Update(ctx, "u1", PreferencesUpdate{MaxProjectsPerDiscovery: &maxProjects, PreferredSystems: &systems}, DefaultSystemPrefix)
	require.NoError(t, err)

	sum, err := f.svc.CreateProjects(ctx, "u1", "a", CreateRequest{AutoDiscover: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SystemsScanned, "only preferred systems are scanned")
	assert.Equal(t, 1, sum.ProjectsCreated)
	assert.Equal(t, 1, sum.ProjectsSkipped)
	assert.False(t, sum.PartialFailure())
}

func TestCreateProjectsFromExplicitFlights(t *testing.T) {
	f := newFixture(t)
	sum, err := f.svc.CreateProjects(context.Background(), "u1", "a", CreateRequest{Flights: []RemoteFlight{
		{SystemID: lake, FlightName: "Flight02", ImagesPath: "../../elsewhere", ImageCount: 40},
		{SystemID: lake, FlightName: "Flight09", ImageCount: 3},
		{SystemID: lake, FlightName: "NoImages"},
		{SystemID: "other.system", FlightName: "F"},
		{SystemID: lake, FlightName: "../etc"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ProjectsCreated)
	require.Len(t, sum.Created, 1)
	assert.Equal(t, 1, sum.Created[0].ImageCount, "count comes from the remote listing")
	require.Len(t, f.pub.jobs, 1)
	assert.Equal(t, "Flight02/code/images", f.pub.jobs[0].ImagesPath)

	require.Len(t, sum.Errors, 4)
	assert.Equal(t, lake+"/Flight09", sum.Errors[0].Item)
	assert.Equal(t, errs.KindNotFound.String(), sum.Errors[0].Kind)
	assert.Equal(t, errs.KindNotFound.String(), sum.Errors[1].Kind)
	assert.Equal(t, errs.KindValidation.String(), sum.Errors[2].Kind)
	assert.Equal(t, errs.KindValidation.String(), sum.Errors[3].Kind)
}

func TestCreateProjectsNeedsFlightsOrAutoDiscover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []CreateRequest{{}, {Flights: []RemoteFlight{}}} {
		sum, err := f.svc.CreateProjects(ctx, "u1", "a", req)
		assert.Nil(t, sum)
		assert.True(t, errs.Is(err, errs.KindValidation))
	}

	projects, err := f.svc.FlightProjects(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, projects)
	assert.Empty(t, f.pub.jobs)
}

func TestCreateProjectsSerializedPerUserClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.locks.TryAcquire(ctx, "u1|a")
	require.NoError(t, err)

	_, err = f.svc.CreateProjects(ctx, "u1", "a", CreateRequest{AutoDiscover: true})
	assert.ErrorIs(t, err, ErrDiscoveryInProgress)
	assert.True(t, errs.Is(err, errs.KindDuplicate))

	// other users are not blocked
	_, err = f.svc.CreateProjects(ctx, "u2", "a", CreateRequest{AutoDiscover: true})
	assert.NoError(t, err)

	release()
	_, err = f.svc.CreateProjects(ctx, "u1", "a", CreateRequest{AutoDiscover: true})
	assert.NoError(t, err)
}

func TestSyncProjectImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.svc.CreateProjects(ctx, "u1", "a", CreateRequest{Flights: []RemoteFlight{{SystemID: lake, FlightName: "Flight01", ImageCount: 2}}})
	require.NoError(t, err)
	require.Len(t, sum.Created, 1)
	projectID := sum.Created[0].ProjectID

	res, err := f.svc.SyncProjectImages(ctx, "u1", "a", projectID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
	assert.Empty(t, res.Errors)

	data, err := os.ReadFile(filepath.Join(f.dir, projectID, "a.JPG"))
	require.NoError(t, err)
	assert.Equal(t, content(lake, "Flight01/code/images/a.JPG"), string(data))
	_, err = os.Stat(filepath.Join(f.dir, projectID, "c.png"))
	assert.True(t, os.IsNotExist(err))

	again, err := f.svc.SyncProjectImages(ctx, "u1", "a", projectID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Downloaded)
	assert.Equal(t, 2, again.Skipped)

	require.NoError(t, f.svc.HandleImageSync(ctx, queue.ImageSyncJob{ProjectID: projectID, UserID: "u1", ClientID: "a"}))

	_, err = f.svc.SyncProjectImages(ctx, "u2", "a", projectID)
	assert.True(t, errs.Is(err, errs.KindNotFound), "projects are scoped to their owner")
}

func TestAutoDiscoverRespectsPreferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := &oauth.User{ID: "u1", Username: "jdoe"}
	client := &oauth.Client{ClientID: "a"}

	off := false
	_, err := f.prefs.Update(ctx, "u1", PreferencesUpdate{AutoDiscoverOnLogin: &off}, DefaultSystemPrefix)
	require.NoError(t, err)
	f.svc.AutoDiscover(ctx, user, client)
	assert.Empty(t, f.pub.jobs)

	on := true
	_, err = f.prefs.Update(ctx, "u1", PreferencesUpdate{AutoDiscoverOnLogin: &on}, DefaultSystemPrefix)
	require.NoError(t, err)
	f.svc.AutoDiscover(ctx, user, client)
	assert.Len(t, f.pub.jobs, 2)

	prefs, err := f.prefs.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, prefs.LastAutoDiscovery)
	assert.False(t, prefs.ShouldRunAutoDiscovery(time.Now()), "cooldown applies after a run")
}

func TestPeriodicDiscovery(t *testing.T) {
	f := newFixture(t)
	f.tokens.failFor["u2"] = errs.Auth("oauth.Refresh", "refresh rejected")

	out, err := f.svc.PeriodicDiscovery(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "u1", out[0].UserID)
	require.NotNil(t, out[0].Summary)
	assert.Equal(t, 2, out[0].Summary.ProjectsCreated)
	assert.Equal(t, "u2", out[1].UserID)
	assert.Contains(t, out[1].Error, "refresh rejected")

	// u1 is now in cooldown, u2 still fails
	out, err = f.svc.PeriodicDiscovery(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "u2", out[0].UserID)
}
