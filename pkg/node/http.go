package node

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/frontier"
	"github.com/daviddao/tsae/pkg/model"
)

// View is the JSON shape of a node's state.
type View struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	Summary      *clock.Vector   `json:"summary"`
	Ack          *clock.Matrix   `json:"ack"`
	Stability    frontier.Status `json:"stability"`
	LogSize      int             `json:"log_size"`
	Recipes      int             `json:"recipes"`
}

// View returns a consistent read of the replication state.
func (s *State) View() View {
	sum, ack := s.Snapshot()
	return View{
		ID:           s.id,
		Participants: s.Participants(),
		Summary:      sum,
		Ack:          ack,
		Stability:    frontier.ComputeStatus(ack),
		LogSize:      s.log.Len(),
		Recipes:      len(s.Recipes()),
	}
}

// API serves a node's state over HTTP.
type API struct {
	state *State
}

// NewAPI returns the HTTP API of st.
func NewAPI(st *State) *API { return &API{state: st} }

// Mount registers the API routes on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/state", a.handleState)
	r.Get("/log", a.handleLog)
	r.Get("/recipes", a.handleListRecipes)
	r.Get("/recipes/{title}", a.handleGetRecipe)
	r.Post("/recipes", a.handleIssue)
}

// Router returns a CORS-enabled router with the API mounted. Callers may
// mount more routes on it, such as the WebSocket session endpoint.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)
	a.Mount(r)
	return r
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.View())
}

func (a *API) handleLog(w http.ResponseWriter, r *http.Request) {
	ops := a.state.Log()
	if ops == nil {
		ops = []model.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (a *API) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recipes": a.state.Recipes()})
}

func (a *API) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.state.Recipe(chi.URLParam(r, "title"))
	if !ok {
		http.Error(w, "recipe not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// issueRequest is the body of POST /recipes.
type issueRequest struct {
	Kind  model.OpKind `json:"kind"`
	Title string       `json:"title"`
	Body  string       `json:"body"`
}

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = model.OpAdd
	}
	op, err := a.state.Issue(req.Kind, req.Title, req.Body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidOperation) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
