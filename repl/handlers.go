package repl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/drpcorg/ycrdt"
	"github.com/gorilla/mux"
)

func AddCorsHeaders(f func(w http.ResponseWriter, req *http.Request)) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		f(w, req)
	}
}

func (repl *REPL) lockedDoc(w http.ResponseWriter, req *http.Request) (*ycrdt.Doc, bool) {
	doc, err := repl.doc(mux.Vars(req)["name"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return doc, true
}

// DocHandler serves the JSON form of every root of a document.
func DocHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "GET")
			w.WriteHeader(http.StatusNoContent)
		case "GET":
			repl.mu.Lock()
			defer repl.mu.Unlock()
			doc, ok := repl.lockedDoc(w, req)
			if !ok {
				return
			}
			roots := make(map[string]any)
			for _, name := range doc.RootNames() {
				b, _ := doc.Get(name, ycrdt.KindAbstract)
				if b.InferredKind() == ycrdt.KindText {
					roots[name] = b.String()
				} else {
					roots[name] = b.ToJSON()
				}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(roots)
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

// StateVectorHandler serves the encoded state vector of a document.
func StateVectorHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "GET")
			w.WriteHeader(http.StatusNoContent)
		case "GET":
			repl.mu.Lock()
			defer repl.mu.Unlock()
			doc, ok := repl.lockedDoc(w, req)
			if !ok {
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(ycrdt.EncodeDocStateVector(doc))
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

// UpdateHandler answers a POSTed state vector with the missing state and
// applies a PUT update.
func UpdateHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "POST, PUT")
			w.WriteHeader(http.StatusNoContent)
		case "POST", "PUT":
			body, err := io.ReadAll(req.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			repl.mu.Lock()
			defer repl.mu.Unlock()
			doc, ok := repl.lockedDoc(w, req)
			if !ok {
				return
			}
			if method == "PUT" {
				if err := ycrdt.ApplyUpdate(doc, body, req.RemoteAddr); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusOK)
				return
			}
			sv, err := ycrdt.DecodeStateVector(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(ycrdt.EncodeStateAsUpdate(doc, sv))
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

func (repl *REPL) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/docs/{name}", AddCorsHeaders(DocHandler(repl))).Methods("GET", "OPTIONS")
	r.HandleFunc("/docs/{name}/sv", AddCorsHeaders(StateVectorHandler(repl))).Methods("GET", "OPTIONS")
	r.HandleFunc("/docs/{name}/update", AddCorsHeaders(UpdateHandler(repl))).Methods("POST", "PUT", "OPTIONS")
	return r
}

func (repl *REPL) CommandServe(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: serve <addr>", ErrBadArgument)
	}
	if repl.server != nil {
		return fmt.Errorf("%w: already serving on %s", ErrBadArgument, repl.server.Addr)
	}
	repl.server = &http.Server{Addr: args[0], Handler: repl.Handler()}
	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			repl.Log.Error("http server failed", "addr", srv.Addr, "err", err)
		}
	}(repl.server)
	repl.Log.Info("serving documents", "addr", args[0])
	return nil
}

// CommandPull sends our state vector to a peer and applies its answer.
func (repl *REPL) CommandPull(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: pull <url> <doc>", ErrBadArgument)
	}
	base, name := args[0], args[1]
	repl.mu.Lock()
	doc, err := repl.doc(name)
	var sv []byte
	if err == nil {
		sv = ycrdt.EncodeDocStateVector(doc)
	}
	repl.mu.Unlock()
	if err != nil {
		return err
	}

	resp, err := http.Post(base+"/docs/"+url.PathEscape(name)+"/update", "application/octet-stream", bytes.NewReader(sv))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	update, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: %s: %s", name, resp.Status, bytes.TrimSpace(update))
	}

	repl.mu.Lock()
	defer repl.mu.Unlock()
	if err := ycrdt.ApplyUpdate(doc, update, base); err != nil {
		return err
	}
	repl.printf("pulled %d bytes, sv %s\n", len(update), doc.StateVector())
	return nil
}
