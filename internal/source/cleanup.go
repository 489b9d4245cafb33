package source

import "regexp"

var (
	useStmtRe = regexp.MustCompile(`(?im)(^|\s)use\s+[^;\s]+;?`)
	goStmtRe  = regexp.MustCompile(`(?im)^\s*go\s*;?\s*$`)
)

// CleanSQL applies purely textual dialect cleanup to a query. Applied after
// the cache write and before parameter substitution.
func CleanSQL(query string, mssql bool) string {
	// remove database selection statements
	query = useStmtRe.ReplaceAllString(query, "")

	if mssql {
		// strip standalone batch separators
		query = goStmtRe.ReplaceAllString(query, "")

		query = "SET STATISTICS TIME OFF;\n" +
			"SET STATISTICS IO OFF;\n" +
			"SET ANSI_WARNINGS OFF;\n" +
			"SET NOCOUNT ON;\n" +
			query
	}

	return query
}
