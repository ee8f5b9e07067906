package writepath

import (
	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

// fromMigrateFlags decides per document whether its insert is logged as a
// migration. A caller default of true wins outright.
func (e *Engine) fromMigrateFlags(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement, defaultFromMigrate bool) []bool {
	flags := make([]bool, len(stmts))
	if defaultFromMigrate {
		for i := range flags {
			flags[i] = true
		}
		return flags
	}
	if !op.ReplicatedWrites || !coll.NS().IsReplicated() || !op.FromRouter || e.orphans == nil {
		return flags
	}
	// TODO: decide orphan status once per collection when it is created
	// instead of per document here.
	for i, stmt := range stmts {
		flags[i] = e.orphans.IsOrphan(coll, stmt.Doc)
	}
	return flags
}
