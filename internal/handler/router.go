package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/rehome-backend/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса ReHome.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/send-otp/", h.SendOTP)
		r.Post("/verify-otp/", h.VerifyOTP)
		r.Post("/login/", h.LegacyAuth)
		r.Post("/signup/", h.LegacyAuth)

		r.Get("/packages/", h.ListPackages)

		// QPay дёргает webhook без сессии, методом GET или POST
		r.Get("/qpay-webhook/", h.QPayWebhook)
		r.Post("/qpay-webhook/", h.QPayWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/logout/", h.Logout)

			r.Get("/profile/", h.GetProfile)
			r.Patch("/profile/", h.UpdateProfile)

			r.Get("/dashboard/", h.GetDashboard)

			r.Post("/purchase-credits/", h.PurchaseCredits)
			r.Get("/check-order-status/", h.CheckOrderStatus)

			r.Get("/recent-images/", h.GetRecentImages)
			r.Post("/generate/", h.GenerateImage)
		})
	})

	if h.mediaRoot != "" {
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(h.mediaRoot)))
		r.Get("/media/*", func(w http.ResponseWriter, r *http.Request) {
			fs.ServeHTTP(w, r)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
