package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/roach88/vaultsync/internal/catalog"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
)

// WithCatalog routes the product and inventory endpoints to svc:
//
//	GET    /api/catalog/products
//	GET    /api/catalog/products/{id}
//	PUT    /api/catalog/products/{id}
//	DELETE /api/catalog/products/{id}
//	GET    /api/catalog/inventory/{id}
//	PUT    /api/catalog/inventory/{id}
//	POST   /api/catalog/inventory/{id}/adjust   {"delta": -1}
func WithCatalog(svc *catalog.Service) Option {
	return func(s *Server) { s.catalog = svc }
}

// AdjustRequest is the body of POST /api/catalog/inventory/{id}/adjust.
type AdjustRequest struct {
	Delta int64 `json:"delta"`
}

func (s *Server) routeCatalog() {
	s.mux.HandleFunc("GET /api/catalog/products", s.handleListProducts)
	s.mux.HandleFunc("GET /api/catalog/products/{id}", s.handleGetProduct)
	s.mux.HandleFunc("PUT /api/catalog/products/{id}", s.handlePutProduct)
	s.mux.HandleFunc("DELETE /api/catalog/products/{id}", s.handleDeleteProduct)
	s.mux.HandleFunc("GET /api/catalog/inventory/{id}", s.handleGetInventory)
	s.mux.HandleFunc("PUT /api/catalog/inventory/{id}", s.handlePutInventory)
	s.mux.HandleFunc("POST /api/catalog/inventory/{id}/adjust", s.handleAdjustStock)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListProducts(r.Context())
	if err != nil {
		s.catalogError(w, r, err)
		return
	}
	if list == nil {
		list = []catalog.Product{}
	}
	writeJSON(w, list)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalog.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		s.catalogError(w, r, err)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handlePutProduct(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = r.PathValue("id")
	saved, err := s.catalog.SaveProduct(r.Context(), p)
	if err != nil {
		s.catalogError(w, r, err)
		return
	}
	writeJSON(w, saved)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteProduct(r.Context(), r.PathValue("id")); err != nil {
		s.catalogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	item, err := s.catalog.GetInventoryItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.catalogError(w, r, err)
		return
	}
	writeJSON(w, item)
}

func (s *Server) handlePutInventory(w http.ResponseWriter, r *http.Request) {
	var item catalog.InventoryItem
	if !decodeBody(w, r, &item) {
		return
	}
	item.ID = r.PathValue("id")
	saved, err := s.catalog.SaveInventoryItem(r.Context(), item)
	if err != nil {
		s.catalogError(w, r, err)
		return
	}
	writeJSON(w, saved)
}

func (s *Server) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := s.catalog.AdjustStock(r.Context(), r.PathValue("id"), req.Delta)
	if err != nil {
		s.catalogError(w, r, err)
		return
	}
	writeJSON(w, item)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		exchange.WriteError(w, ir.NewSerializationError("decode request body", err))
		return false
	}
	return true
}

func (s *Server) catalogError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		writeJSONStatus(w, http.StatusNotFound, exchange.ErrorBody{Code: "NOT_FOUND", Message: err.Error()})
		return
	}
	s.fail(w, r, err)
}
