package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// listClauses turns ListOpts into a WHERE clause over timeColumn and a
// newest-first ORDER BY/LIMIT/OFFSET tail, with positional args.
func listClauses(timeColumn string, opts domain.ListOpts) (where, tail string, args []any) {
	var conds []string
	if opts.Since != nil {
		args = append(args, *opts.Since)
		conds = append(conds, fmt.Sprintf("%s >= $%d", timeColumn, len(args)))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		conds = append(conds, fmt.Sprintf("%s <= $%d", timeColumn, len(args)))
	}
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	tail = " ORDER BY " + timeColumn + " DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		tail += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return where, tail, args
}
