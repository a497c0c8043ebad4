package tools

import (
	"encoding/json"
	"net/http"

	"github.com/JJ-Ju/multi-cli/internal/tools"
)

// SchemaHandler serves the registered tool schemas as JSON. A name query
// parameter narrows the answer to one tool. Lookup, when set, is asked for
// the registry on every request instead of using Registry.
type SchemaHandler struct {
	Registry *tools.Registry
	Lookup   func() (*tools.Registry, error)
}

// ServeHTTP renders schemas.
func (h SchemaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reg := h.Registry
	if h.Lookup != nil {
		var err error
		if reg, err = h.Lookup(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	var body any = reg.Schemas()
	if name := r.URL.Query().Get("name"); name != "" {
		t, ok := reg.Get(name)
		if !ok {
			http.Error(w, "unknown tool "+name, http.StatusNotFound)
			return
		}
		body = tools.Schema{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
