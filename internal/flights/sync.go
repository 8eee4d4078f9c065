package flights

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/queue"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// SyncResult reports one image download run for a project.
type SyncResult struct {
	ProjectID  string           `json:"project_id"`
	Directory  string           `json:"directory"`
	Downloaded int              `json:"downloaded"`
	Skipped    int              `json:"skipped"`
	Errors     []errs.ItemError `json:"errors"`
}

// SyncProjectImages downloads the JPEGs of a flight project into
// DownloadDir/<project id>/. Files already present with the remote size are
// skipped, so a rerun only fetches what is missing.
func (s *Service) SyncProjectImages(ctx context.Context, userID, clientID, projectID string) (*SyncResult, error) {
	const op = "flights.SyncProjectImages"
	if s.cfg.DownloadDir == "" {
		return nil, errs.Configuration(op, "DOWNLOAD_DIR is not configured")
	}
	if projectID == "" {
		return nil, errs.Validation(op, "project_id is required")
	}
	p, err := s.reg.Get(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if p.Source != registry.SourceTapis || p.SourceSystem == "" || p.SourcePath == "" {
		return nil, errs.Validation(op, "project %s was not created from a Tapis flight", projectID)
	}

	sess, err := s.session(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	listing, err := s.remote.ListFiles(ctx, sess.client.Endpoint(), sess.tok, p.SourceSystem, p.SourcePath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.cfg.DownloadDir, p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := &SyncResult{ProjectID: p.ID, Directory: dir, Errors: []errs.ItemError{}}
	for _, f := range listing {
		if !isFlightImage(f) {
			continue
		}
		if ctx.Err() != nil {
			return res, errs.E(errs.KindTransientRemote, op, ctx.Err())
		}
		// remote names never become paths outside dir
		name := filepath.Base(filepath.Clean("/" + f.Name))
		local := filepath.Join(dir, name)
		if fi, err := os.Stat(local); err == nil && f.Size > 0 && fi.Size() == f.Size {
			res.Skipped++
			continue
		}
		if err := s.download(ctx, sess, p.SourceSystem, path.Join(p.SourcePath, f.Name), local); err != nil {
			res.Errors = append(res.Errors, errs.Item(f.Name, err))
			continue
		}
		res.Downloaded++
	}
	logging.Info("Flights", "project %s: downloaded %d images, skipped %d, %d errors",
		p.ID, res.Downloaded, res.Skipped, len(res.Errors))
	return res, nil
}

// download writes to a temp file in the target directory and renames it
// into place once complete.
func (s *Service) download(ctx context.Context, sess *session, systemID, remotePath, local string) error {
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := s.remote.Download(ctx, sess.client.Endpoint(), sess.tok, systemID, remotePath, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), local)
}

// HandleImageSync is the queue handler for image-sync jobs. A run that
// downloaded nothing while hitting errors is reported as transient so the
// job is retried.
func (s *Service) HandleImageSync(ctx context.Context, job queue.ImageSyncJob) error {
	res, err := s.SyncProjectImages(ctx, job.UserID, job.ClientID, job.ProjectID)
	if err != nil {
		return err
	}
	if res.Downloaded == 0 && len(res.Errors) > 0 {
		return errs.Transient("flights.HandleImageSync", "no images downloaded for project %s: %s",
			job.ProjectID, res.Errors[0].Message)
	}
	return nil
}
