package keyspec

import (
	"github.com/google/cel-go/cel"

	sopErrors "github.com/sopdb/sop/errors"
)

// celComparator evaluates a CEL predicate with variables mapX, mapY
// returning -1|0|1 (spec §4.5, §9). It is only ever consulted when a
// store carries a CELExpression and no IndexSpec.
type celComparator struct {
	program cel.Program
}

// NewCELComparator compiles expr once at store-open time; an
// expression that fails to parse or type-check is refused rather than
// evaluated lazily on a hot insert path (spec §9).
func NewCELComparator(expr string) (Comparator, error) {
	env, err := cel.NewEnv(
		cel.Variable("mapX", cel.DynType),
		cel.Variable("mapY", cel.DynType),
	)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInternal, "keyspec.NewCELComparator", sopErrors.WithCause(err))
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "keyspec.NewCELComparator", sopErrors.WithCause(issues.Err()))
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInternal, "keyspec.NewCELComparator", sopErrors.WithCause(err))
	}
	return &celComparator{program: program}, nil
}

// CompareMaps runs the compiled expression against two decoded
// composite keys. CEL operates on structured values, not raw bytes, so
// the caller decodes each key into a map before calling this instead of
// Compare. pkg/btree does not do so: it calls only Compare.
func (c *celComparator) CompareMaps(mapX, mapY map[string]any) (int, error) {
	out, _, err := c.program.Eval(map[string]any{"mapX": mapX, "mapY": mapY})
	if err != nil {
		return 0, sopErrors.Wrap(sopErrors.ErrInternal, "keyspec.CompareMaps", sopErrors.WithCause(err))
	}
	val, ok := out.Value().(int64)
	if !ok {
		return 0, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "keyspec.CompareMaps")
	}
	return int(val), nil
}

// Compare satisfies the Comparator interface but always fails: a
// celComparator must be driven through CompareMaps once the caller has
// decoded a and b into maps.
func (c *celComparator) Compare(a, b []byte) (int, error) {
	return 0, sopErrors.Wrap(sopErrors.ErrInvalidState, "keyspec.Compare")
}
