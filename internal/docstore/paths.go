package docstore

import (
	"fmt"
	"strings"
)

// Join builds a path from segments, dropping stray slashes.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.Trim(p, "/"); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "/")
}

// Split separates a document path into its collection path and document id.
func Split(docPath string) (collection, id string, err error) {
	clean := strings.Trim(docPath, "/")
	i := strings.LastIndex(clean, "/")
	if i <= 0 || i == len(clean)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, docPath)
	}
	collection, id = clean[:i], clean[i+1:]
	if err := ValidateCollection(collection); err != nil {
		return "", "", err
	}
	return collection, id, nil
}

func ValidateCollection(collection string) error {
	if collection == "" || strings.HasPrefix(collection, "/") || strings.HasSuffix(collection, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, collection)
	}
	for _, seg := range strings.Split(collection, "/") {
		if seg == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, collection)
		}
	}
	return nil
}

// Paths lays out the storefront documents under one application namespace.
type Paths struct {
	AppID string
}

func (p Paths) root() string {
	return Join("artifacts", p.AppID)
}

func (p Paths) Products() string {
	return Join(p.root(), "public", "data", "products")
}

func (p Paths) Cart(sessionID string) string {
	return Join(p.root(), "users", sessionID, "cart")
}

func (p Paths) CartLine(sessionID, productID string) string {
	return Join(p.Cart(sessionID), productID)
}

func (p Paths) CounterDoc() string {
	return Join(p.root(), "public", "data", "counter_data", "counter_doc")
}
