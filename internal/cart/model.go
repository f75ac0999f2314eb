package cart

import (
	"fmt"

	"github.com/ariefcatur/go-realtime-storefront/internal/catalog"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
)

// Line is one product in a session cart. Name, Price and Image are copied
// from the product when the line is created and are not refreshed later.
type Line struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Image     string `json:"image"`
	Quantity  int64  `json:"quantity"`
}

func (l Line) Total() int64 { return l.Price * l.Quantity }

func lineFromDocument(doc docstore.Document) (Line, error) {
	var l Line
	if err := doc.Decode(&l); err != nil {
		return Line{}, err
	}
	l.ProductID = doc.ID
	if l.Quantity <= 0 {
		return Line{}, fmt.Errorf("cart line %s has quantity %d", doc.ID, l.Quantity)
	}
	return l, nil
}

// newLineFields is the document written for a product's first unit(s).
func newLineFields(p catalog.Product, qty int64) docstore.Fields {
	return docstore.Fields{
		"productId": p.ID,
		"name":      p.Name,
		"price":     p.EffectivePrice(),
		"image":     p.Image,
		"quantity":  qty,
	}
}

// Snapshot is the cart as last delivered by the store.
type Snapshot struct {
	SessionID string `json:"sessionId"`
	Lines     []Line `json:"lines"`
	// Version counts snapshots applied for the session; zero means none yet.
	Version uint64 `json:"version"`
}

func (s Snapshot) Ready() bool { return s.Version > 0 }

func (s Snapshot) Empty() bool { return len(s.Lines) == 0 }

func (s Snapshot) LineCount() int { return len(s.Lines) }

func (s Snapshot) ItemCount() int64 {
	var n int64
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}

func (s Snapshot) Subtotal() int64 {
	var total int64
	for _, l := range s.Lines {
		total += l.Total()
	}
	return total
}

func (s Snapshot) Line(productID string) (Line, bool) {
	for _, l := range s.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return Line{}, false
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Lines = make([]Line, len(s.Lines))
	copy(out.Lines, s.Lines)
	return out
}
