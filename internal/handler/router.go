package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ntikhonov/packtrack-system/internal/middleware"
)

func orderID(r *http.Request) string {
	return chi.URLParam(r, "orderID")
}

func itemID(r *http.Request) string {
	return chi.URLParam(r, "itemID")
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.CreateOrder)
				r.Get("/", h.ListOrders)
				r.Get("/{orderID}", h.GetOrder)
				r.Post("/{orderID}/transition", h.RequestTransition)
				r.Put("/{orderID}/items", h.UpdateOrderItems)
				r.Patch("/{orderID}/documents", h.AttachDocuments)
				r.Post("/{orderID}/allocations", h.AllocateStock)
				r.Delete("/{orderID}/allocations/{itemID}", h.ReverseAllocation)
				r.Post("/{orderID}/shipment", h.ReconcileShipment)
			})

			r.Route("/stock", func(r chi.Router) {
				r.Post("/", h.AddStockItem)
				r.Get("/", h.ListStock)
				r.Patch("/{itemID}", h.AdjustStock)
				r.Delete("/{itemID}", h.DeleteStock)
				r.Get("/{itemID}/movements", h.ListMovements)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
