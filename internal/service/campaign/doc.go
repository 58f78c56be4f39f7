// Package campaign implements the campaign lifecycle: draft, running, paused,
// completed, failed and cancelled.
//
// The service validates setup (provider identity, template) before a campaign
// runs and hands running campaigns to a Launcher. It depends on repository
// interfaces defined in this package and should never import from api/.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
