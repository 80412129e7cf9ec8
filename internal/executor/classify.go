package executor

import (
	"strings"

	"github.com/vitebski/mysql-ddl-guard/pkg/models"
	"github.com/xwb1989/sqlparser"
)

// Classify decides what a statement produces from its shape alone
func Classify(query string) models.ResultKind {
	switch sqlparser.Preview(query) {
	case sqlparser.StmtSelect:
		if stmt, err := sqlparser.Parse(query); err == nil {
			if sel, ok := stmt.(*sqlparser.Select); ok && isCountOnly(sel) {
				return models.ResultScalar
			}
		}
		return models.ResultRowSet
	case sqlparser.StmtShow:
		return models.ResultRowSet
	case sqlparser.StmtInsert, sqlparser.StmtReplace, sqlparser.StmtUpdate, sqlparser.StmtDelete:
		return models.ResultRowsAffected
	case sqlparser.StmtOther:
		fields := strings.Fields(strings.ToLower(query))
		if len(fields) > 0 {
			switch fields[0] {
			case "explain", "describe", "desc":
				return models.ResultRowSet
			}
		}
	}
	return models.ResultNone
}

// isCountOnly matches SELECT COUNT(...) FROM ... without GROUP BY
func isCountOnly(sel *sqlparser.Select) bool {
	if len(sel.SelectExprs) != 1 || len(sel.GroupBy) > 0 {
		return false
	}
	aliased, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return false
	}
	fn, ok := aliased.Expr.(*sqlparser.FuncExpr)
	return ok && fn.Name.Lowered() == "count"
}
