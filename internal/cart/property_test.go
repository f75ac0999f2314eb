package cart

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/catalog"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var shelf = []catalog.Product{
	{ID: "P1", Name: "Mug", Price: 1000},
	{ID: "P2", Name: "Plate", Price: 450},
	{ID: "P3", Name: "Bowl", Price: 700},
}

type addition struct {
	Product int
	Qty     int64
}

func genAddition() gopter.Gen {
	return gopter.CombineGens(gen.IntRange(0, len(shelf)-1), gen.Int64Range(1, 5)).
		Map(func(v []any) addition { return addition{Product: v[0].(int), Qty: v[1].(int64)} })
}

// Property: each line's quantity is the sum of what was added for it, and
// setting every line to zero leaves an empty cart.
func TestCartQuantityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("lines accumulate added quantities", prop.ForAll(
		func(adds []addition) bool {
			run++
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			m := docstore.NewMemory()
			defer m.Close()
			a := New(Deps{Store: m, Paths: paths})
			defer a.Close()
			if err := a.Attach(ctx, fmt.Sprintf("prop-%d", run)); err != nil {
				return false
			}

			want := map[string]int64{}
			var total int64
			for _, add := range adds {
				p := shelf[add.Product]
				if err := a.AddItem(ctx, p, add.Qty); err != nil {
					return false
				}
				want[p.ID] += add.Qty
				total += add.Qty
			}

			snap, err := a.Await(ctx, hasItems(total))
			if err != nil || snap.LineCount() != len(want) {
				return false
			}
			for id, qty := range want {
				line, ok := snap.Line(id)
				if !ok || line.Quantity != qty {
					return false
				}
			}

			for id := range want {
				if err := a.SetQuantity(ctx, id, 0); err != nil {
					return false
				}
			}
			_, err = a.Await(ctx, Snapshot.Empty)
			return err == nil
		},
		gen.SliceOf(genAddition()),
	))

	properties.TestingRun(t)
}
