// Package signing implements the gameon request-signing protocol.
//
// A signed request carries the caller identity and an RFC-1123 date, plus
// optional digests over a caller-chosen set of headers, a caller-chosen set
// of query parameters, and the body. The signature is
//
//	base64(HMAC-SHA256(secret, id ++ date ++ sigHeaders ++ sigParams ++ sigBody))
//
// where each optional part contributes the empty string when absent. The
// legacy format, selected by an ISO-8601 date, prepends method ++ path.
//
// Header and parameter digest values have the form
//
//	name1;name2;...;base64(SHA256(values of name1 ++ values of name2 ++ ...))
//
// and are recomputed from the live request before they are trusted as HMAC
// input, so a caller cannot substitute a digest for different values.
package signing
