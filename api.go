package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

const MaxImageSize = 50 << 20 // 50MB

// maxMultipartMemory is how much of a form is held in memory before
// spilling to temp files.
const maxMultipartMemory = 10 << 20

type APIServer struct {
	cfg      *Config
	auth     *AuthService
	workflow *UploadWorkflow
}

func NewAPIServer(cfg *Config, auth *AuthService, workflow *UploadWorkflow) *APIServer {
	return &APIServer{
		cfg:      cfg,
		auth:     auth,
		workflow: workflow,
	}
}

type APIFunc func(w http.ResponseWriter, r *http.Request) error

func makeHandler(f APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}

		statusError := toStatusError(err)
		if statusError.Status >= http.StatusInternalServerError {
			slog.Error("Writing an error to response", "error", err, "path", r.URL.Path)
		} else {
			slog.Debug("Writing API Status Error to response", "status_error", statusError, "path", r.URL.Path)
		}

		message := statusError.Message
		if message == "" {
			message = http.StatusText(statusError.Status)
		}

		if err := writeJSON(w, statusError.Status, Envelope{Message: message, Username: optionalString(statusError.Username)}); err != nil {
			slog.Error("Failed to write error response", "error", err)
		}
	}
}

// StatusError carries the HTTP status and the client-facing message for a
// failed request. Err is logged and never written to the client.
type StatusError struct {
	Err      error
	Status   int
	Message  string
	Username string
}

func (a *StatusError) Error() string {
	if a.Err != nil {
		return a.Err.Error()
	}

	return a.Message
}

func (a *StatusError) Unwrap() error {
	return a.Err
}

func toStatusError(err error) *StatusError {
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return statusError
	}

	return &StatusError{Err: err, Status: statusFromError(err)}
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Routes builds the route table.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/healthz", makeHandler(s.HandleHealth))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		if s.cfg.AuthRateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.AuthRateLimit, time.Minute))
		}

		r.Post("/signup", makeHandler(s.HandleSignup))
		r.Post("/login", makeHandler(s.HandleLogin))
		r.Post("/refresh", makeHandler(s.HandleRefresh))
	})

	r.Route("/upload", func(r chi.Router) {
		r.Post("/submit", makeHandler(s.authMiddleware(s.HandleSubmit)))
		r.Get("/predict", makeHandler(s.authMiddleware(s.HandlePredict)))
		r.Get("/image", makeHandler(s.authMiddleware(s.HandleImage)))
	})

	return r
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      s.cfg.SRTimeout + time.Minute,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the server", "listen_addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down the server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (s *APIServer) HandleHealth(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, Envelope{Message: "ok"})
}

func (s *APIServer) HandleSignup(w http.ResponseWriter, r *http.Request) error {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Invalid request body"}
	}

	username, err := s.auth.Signup(r.Context(), req)
	switch {
	case errors.Is(err, ErrConflict):
		return &StatusError{Err: err, Status: http.StatusConflict, Message: "User already exists", Username: req.Username}
	case errors.Is(err, ErrBadRequest):
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Invalid signup data", Username: req.Username}
	case err != nil:
		return err
	}

	return writeJSON(w, http.StatusCreated, Envelope{Message: "User created successfully", Username: optionalString(username)})
}

func (s *APIServer) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Invalid request body"}
	}

	token, err := s.auth.Login(r.Context(), req)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return &StatusError{Err: err, Status: http.StatusUnauthorized, Message: "Invalid username or password", Username: req.Username}
	case err != nil:
		return err
	}

	return writeJSON(w, http.StatusOK, Envelope{Message: "Login successful", Data: token, Username: optionalString(req.Username)})
}

type RefreshResponse struct {
	AccessToken string `json:"access_token"`
}

func (s *APIServer) HandleRefresh(w http.ResponseWriter, r *http.Request) error {
	refreshToken, err := bearerToken(r)
	if err != nil {
		return err
	}

	username, access, err := s.auth.Refresh(refreshToken)
	if err != nil {
		return &StatusError{Err: err, Status: http.StatusUnauthorized, Message: "Invalid or expired refresh token"}
	}

	return writeJSON(w, http.StatusOK, Envelope{
		Message:  "Token refreshed successfully",
		Data:     RefreshResponse{AccessToken: access},
		Username: optionalString(username),
	})
}

func (s *APIServer) HandleSubmit(claims *Claims, w http.ResponseWriter, r *http.Request) error {
	username := claims.Subject

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxImageSize)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &StatusError{Err: err, Status: http.StatusRequestEntityTooLarge, Message: "Image too large", Username: username}
		}
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Image not provided", Username: username}
	}
	defer r.MultipartForm.RemoveAll()

	formFile, handler, err := r.FormFile("image")
	if err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Image not provided", Username: username}
	}
	defer formFile.Close()

	slog.Debug("Received an image",
		"filename", handler.Filename,
		"size", handler.Size,
		"username", username,
	)

	data, err := io.ReadAll(formFile)
	if err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Image not provided", Username: username}
	}

	_, err = s.workflow.Submit(r.Context(), username, data)
	switch {
	case errors.Is(err, ErrBadRequest):
		return &StatusError{Err: err, Status: http.StatusBadRequest, Message: "Image not provided or not a valid image", Username: username}
	case err != nil:
		return &StatusError{Err: err, Status: http.StatusInternalServerError, Message: "Image processing failed", Username: username}
	}

	return writeJSON(w, http.StatusOK, Envelope{
		Message:  "Image uploaded and predicted successfully",
		Data:     struct{}{},
		Username: optionalString(username),
	})
}

type PredictResponse struct {
	PredictedImage string `json:"predicted_image"`
}

// HandlePredict returns the latest processed image as base64 in the
// envelope, or as an attachment when ?download=true.
func (s *APIServer) HandlePredict(claims *Claims, w http.ResponseWriter, r *http.Request) error {
	username := claims.Subject

	a, err := s.workflow.LatestProcessed(username)
	if errors.Is(err, ErrNotFound) {
		return &StatusError{Err: err, Status: http.StatusNotFound, Message: "Predicted image not found", Username: username}
	}
	if err != nil {
		return err
	}

	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		return s.writeAttachment(w, r, a)
	}

	b, err := s.workflow.ReadBytes(a)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, Envelope{
		Message:  "Latest predicted image retrieved",
		Data:     PredictResponse{PredictedImage: base64.StdEncoding.EncodeToString(b)},
		Username: optionalString(username),
	})
}

func (s *APIServer) HandleImage(claims *Claims, w http.ResponseWriter, r *http.Request) error {
	username := claims.Subject

	a, err := s.workflow.LatestUploaded(username)
	if errors.Is(err, ErrNotFound) {
		return &StatusError{Err: err, Status: http.StatusNotFound, Message: "Uploaded image not found", Username: username}
	}
	if err != nil {
		return err
	}

	return s.writeAttachment(w, r, a)
}

func (s *APIServer) writeAttachment(w http.ResponseWriter, r *http.Request, a Artifact) error {
	f, err := s.workflow.Open(a)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(a.Path)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)

	http.ServeContent(w, r, name, a.CreatedAt, f)

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}
