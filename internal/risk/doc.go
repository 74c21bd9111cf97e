// Package risk labels competition proposals safe, caution or danger through an
// external classifier. The gate never blocks past its timeout and never
// returns an error: an unavailable classifier yields an unanalyzed result.
package risk
