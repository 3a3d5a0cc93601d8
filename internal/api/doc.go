// Package api implements the operator HTTP API and WebSocket status
// stream of a bioreactor unit.
//
// Read endpoints report jobs, the cluster roster and recorded history.
// Mutating endpoints change job settings and lifecycle, submit membership
// commands and broadcast settings; they require a bearer JWT signed with
// the configured secret.
//
// The WebSocket hub relays job state and heartbeat messages from the bus
// and roster changes from the cluster coordinator to subscribed clients.
//
//	srv, err := api.New(deps)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Close()
package api
