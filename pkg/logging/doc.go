// Package logging is the process-wide structured logger used by every
// ptdatax-ingest binary.
//
// Entries are written through log/slog and always carry a subsystem
// attribute so the scanner, the OAuth flow and the discovery worker can be
// filtered apart in aggregated output:
//
//	logging.Init(logging.LevelInfo, logging.FormatJSON, os.Stderr)
//	logging.Info("Scanner", "registered %s", id)
//	logging.Error("OAuth", err, "token exchange failed for client %s", clientID)
//
// Secrets must never be passed through verbatim; use Redact for anything that
// looks like a bearer or refresh token.
package logging
