package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/posefusion/internal/httputil"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/status"
)

var logs = monitoring.NewStreams("[monitor] ")

const shutdownTimeout = time.Second

// Server is the monitor HTTP server.
type Server struct {
	store  *Store
	server *http.Server
}

// NewServer creates a server on addr reading from store.
func NewServer(addr string, store *Store) *Server {
	s := &Server{store: store}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/debug", func(r chi.Router) {
		r.Get("/tracks", s.handleTracks)
		r.Get("/trail.png", s.handleTrail)
	})
	return r
}

// Run serves until ctx ends, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		logs.Opsf("serving monitor on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("monitor server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logs.Opsf("monitor shutdown: %v", err)
		_ = s.server.Close()
	}
	return nil
}

func (s *Server) snapshot(w http.ResponseWriter) *Snapshot {
	snap := s.store.Get()
	if snap == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no snapshot yet")
	}
	return snap
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Get()
	if snap == nil || snap.Status >= status.Fatal {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "not healthy")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]status.Status{"status": snap.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if snap := s.snapshot(w); snap != nil {
		httputil.WriteJSON(w, http.StatusOK, snap)
	}
}

// handleTracks renders the confirmed tracks as a field-frame scatter, one
// series per label.
func (s *Server) handleTracks(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}

	byLabel := make(map[string][]opts.ScatterData)
	maxAbs := 1.0
	for _, o := range snap.Tracks {
		byLabel[o.Label] = append(byLabel[o.Label], opts.ScatterData{
			Value: []interface{}{o.Field.X, o.Field.Y, o.Confidence},
			Name:  fmt.Sprintf("%s #%d", o.Label, o.ID),
		})
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(o.Field.X), math.Abs(o.Field.Y)))
	}
	for _, p := range snap.Trail {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	pad := maxAbs * 1.1

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracked objects", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Tracked objects (field frame)", Subtitle: fmt.Sprintf("status=%s tracks=%d at %s", snap.Status, len(snap.Tracks), snap.Time.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		scatter.AddSeries(l, byLabel[l], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	}
	if len(snap.Trail) > 0 {
		trail := make([]opts.ScatterData, len(snap.Trail))
		for i, p := range snap.Trail {
			trail[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
		}
		scatter.AddSeries("robot", trail, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteHTML(w, buf.Bytes())
}

// handleTrail renders the recent robot trail as a PNG line plot.
func (s *Server) handleTrail(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	if len(snap.Trail) < 2 {
		httputil.NotFound(w, "not enough pose history")
		return
	}

	p := plot.New()
	p.Title.Text = "Robot trail (field frame)"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(snap.Trail))
	for i, v := range snap.Trail {
		pts[i] = plotter.XY{X: v.X, Y: v.Y}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build trail: %v", err))
		return
	}
	line.Width = vg.Points(1.5)
	p.Add(line)

	if len(snap.Tracks) > 0 {
		tracks := make(plotter.XYs, len(snap.Tracks))
		for i, o := range snap.Tracks {
			tracks[i] = plotter.XY{X: o.Field.X, Y: o.Field.Y}
		}
		sc, err := plotter.NewScatter(tracks)
		if err == nil {
			sc.GlyphStyle.Radius = vg.Points(3)
			p.Add(sc)
		}
	}

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render trail: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render trail: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
