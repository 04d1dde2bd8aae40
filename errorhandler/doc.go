// Package errorhandler is the outermost HTTP middleware of the API.
//
// Successful responses are buffered so that a JSON body carrying a business error
// marker ({"messages":{"Error":"..."}}) can be re-statused to 400 before it is sent.
// Errors and panics from the wrapped handler are turned into an ErrorEnvelope with
// a scrubbed, client-safe message:
//
//	eh := errorhandler.New(errorhandler.WithLogger(logger))
//	mux.Handle("GET /api/v1/accounts/{id}", eh.Wrap(func(w http.ResponseWriter, r *http.Request) error {
//	    return errorhandler.NotFound("account not found")
//	}))
package errorhandler
