// Package webhook is the route table integrations expose over HTTP.
//
// Every route is mounted under /integration/{integration_id} followed by
// the suffix the integration registered. Any integration ID matches; the
// handler can read the one the caller used.
//
// # Authorization
//
// Each route carries an AuthLevel:
//
//	Public            no identity check
//	AnyParty          a verified token with ledger claims for this ledger
//	IntegrationParty  as AnyParty, and the token must read and act as the
//	                  integration's party
//
// The token comes from "Authorization: Bearer <token>" or, when that header
// is absent, the access_token query parameter. Token cryptography is
// delegated to an auth.Verifier; the router only enforces the decision.
//
// # Error Responses
//
// Authorization failures are answered before the handler runs:
//
//	401 no_authorization_support  no verifier configured
//	401 invalid_auth_scheme       Authorization header is not Bearer
//	401 missing_token             no token supplied
//	403 invalid_token             the verifier rejected the token
//	401 missing_ledger_claims     no claims for the configured ledger ID
//	401 unauthorized              IntegrationParty route, party not held
//
// A handler error is answered with 500. Bodies larger than the configured
// limit are answered with 413.
package webhook
