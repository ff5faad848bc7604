// Package gateway orchestrates the bookdrop server components.
//
// # Overview
//
// The gateway package owns the HTTP server and wires every other component
// together: the session store, the conversion runner, the upload service,
// the download gate, the transfer event log and the generate throttle.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config     *config.Config
//	    sessions   *session.Store
//	    profiles   []*convert.Profile
//	    uploads    *upload.Service
//	    downloads  *download.Gate
//	    store      store.EventStore
//	    throttle   *throttle.Cache
//	    httpServer *http.Server
//	    // ...
//	}
//
// # HTTP Routes
//
// Routes are registered on a chi router in router.go:
//
//   - GET|POST /generate - Allocate a pairing key for the requesting device
//   - POST /upload - Multipart upload of files and a URL to a key
//   - GET /download/{key} - Most recent artifact on the key
//   - GET /download/{key}/{filename} - Named artifact on the key
//   - DELETE /file/{key} - Remove every artifact on the key
//   - GET /status/{key} - JSON listing of the key's artifacts and URLs
//   - GET / - Download page for e-readers, upload page for everything else
//   - GET /static/* - Embedded page assets
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (scratch dir, database, converters)
//
// Device routes (download, file, status) answer an unknown key and a
// user-agent mismatch identically.
//
// # Lifecycle
//
// New empties the scratch directory before anything else; a failure there
// aborts startup. Run serves until the context is canceled and then shuts
// down in order: HTTP server, sessions (deleting every stored file), the
// throttle, and finally the event log.
package gateway
