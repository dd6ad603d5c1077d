package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aura-coach/pkg/audio"
	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/detect"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/session"
	"aura-coach/pkg/uplink"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Voice analysis limits
const (
	minAnalysisSamples = 100
	minPitchHz         = 50
	maxPitchHz         = 400
)

type audioStats struct {
	volume []float64
	pitch  []float64
	wpm    []float64
	tones  []string
}

// StoredSession is a logged session as the analysis server keeps it
type StoredSession struct {
	Record       coaching.MetricsRecord
	AvgVolume    float64
	AvgPitch     float64
	AvgWPM       *float64
	DominantTone string
	LoggedAt     time.Time
}

// AnalysisServer is an in-process session log service: it analyses the
// audio uplink, stores session logs, generates reports and also serves the
// pose and expression detector APIs from the synthetic detectors.
type AnalysisServer struct {
	logger     *logrus.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	baseURL    string
	sampleRate int

	pose       capture.PoseDetector
	expression *ExpressionClassifier

	failSubmissions atomic.Bool

	mu       sync.Mutex
	audio    map[string]*audioStats
	sessions map[string]*StoredSession
	conns    map[*websocket.Conn]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewAnalysisServer creates an analysis server; call Start to serve it
func NewAnalysisServer(logger *logrus.Logger, sampleRate int) *AnalysisServer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	s := &AnalysisServer{
		logger:     logger,
		mux:        http.NewServeMux(),
		sampleRate: sampleRate,
		pose:       NewPoseDetector(),
		expression: NewExpressionClassifier(nil),
		audio:      make(map[string]*audioStats),
		sessions:   make(map[string]*StoredSession),
		conns:      make(map[*websocket.Conn]struct{}),
	}

	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/session/log", s.handleLog)
	s.mux.HandleFunc("/api/report/", s.handleReport)
	s.mux.HandleFunc("/api/audio-stream", s.handleAudio)
	s.mux.HandleFunc("/detect", s.handleDetect)
	s.mux.HandleFunc("/classify", s.handleClassify)
	return s
}

// Handler returns the request router
func (s *AnalysisServer) Handler() http.Handler {
	return s.mux
}

// Start serves on addr ("127.0.0.1:0" picks a free port)
func (s *AnalysisServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind analysis server", map[string]interface{}{"addr": addr})
	}
	s.baseURL = "http://" + ln.Addr().String()
	s.httpServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Analysis server failed")
		}
	}()
	s.logger.WithField("url", s.baseURL).Info("Simulated analysis server listening")
	return nil
}

// URL returns the base URL once started
func (s *AnalysisServer) URL() string {
	return s.baseURL
}

// Close stops the server and drops open audio streams
func (s *AnalysisServer) Close(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SetFailSubmissions makes the log endpoint answer 503 while on
func (s *AnalysisServer) SetFailSubmissions(fail bool) {
	s.failSubmissions.Store(fail)
}

// Session returns a stored session log
func (s *AnalysisServer) Session(id string) (StoredSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[id]
	if !ok {
		return StoredSession{}, false
	}
	return *stored, true
}

func (s *AnalysisServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Simulated coaching analysis server running"})
}

func (s *AnalysisServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AnalysisServer) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.WriteError(w, errors.NewInvalidInput("method not allowed"))
		return
	}
	if s.failSubmissions.Load() {
		errors.WriteError(w, errors.Wrap(errors.ErrUnavailable, "session log storage offline"))
		return
	}

	var record coaching.MetricsRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		errors.WriteError(w, errors.NewInvalidInput("invalid session log body").WithField("cause", err.Error()))
		return
	}
	if record.SessionID == "" {
		record.SessionID = session.NewID()
	}

	s.mu.Lock()
	stored, ok := s.sessions[record.SessionID]
	if !ok {
		stored = &StoredSession{}
		s.sessions[record.SessionID] = stored
	}
	stored.Record = record
	stored.LoggedAt = time.Now()
	if stats, ok := s.audio[record.SessionID]; ok {
		stored.AvgVolume = mean(stats.volume)
		stored.AvgPitch = mean(stats.pitch)
		if len(stats.wpm) > 0 {
			avg := mean(stats.wpm)
			stored.AvgWPM = &avg
		}
		stored.DominantTone = dominantTone(stats.tones)
		delete(s.audio, record.SessionID)
	}
	s.mu.Unlock()

	s.logger.WithField("session_id", record.SessionID).Info("Simulated session log stored")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": record.SessionID})
}

func (s *AnalysisServer) handleReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/report/")
	stored, ok := s.Session(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"error": "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"report":     BuildReport(stored),
	})
}

// BuildReport generates the narrative report for a stored session
func BuildReport(stored StoredSession) session.Report {
	rec := stored.Record

	wpm := float64(rec.WPM)
	if stored.AvgWPM != nil {
		wpm = *stored.AvgWPM
	}
	tone := stored.DominantTone
	if tone == "" {
		tone = rec.Tone
	}
	if tone == "" {
		tone = audio.ToneBalanced
	}
	eye := string(rec.EyeContact)
	if eye == "" {
		eye = string(coaching.EyeContactUnknown)
	}
	emotion := rec.Emotion
	if emotion == "" {
		emotion = "Neutral"
	}

	volume := round(stored.AvgVolume, 1)
	pitch := round(stored.AvgPitch, 1)

	alignment := "room for improvement"
	if rec.Posture > 80 {
		alignment = "strong alignment"
	}
	focus := "inconsistent focus"
	if rec.EyeContact == coaching.EyeContactGood {
		focus = "engagement"
	}

	report := session.Report{
		Summary: fmt.Sprintf("You spoke at %d WPM with %d filler words. Avg volume: %s, pitch: %s Hz.",
			int(wpm), rec.Fillers, strconv.FormatFloat(volume, 'f', 1, 64), strconv.FormatFloat(pitch, 'f', 1, 64)),
		Insights: map[string]string{
			"posture":     fmt.Sprintf("Your posture score was %s%%, showing %s.", strconv.FormatFloat(rec.Posture, 'f', -1, 64), alignment),
			"eye_contact": fmt.Sprintf("Eye contact was %s, indicating %s.", strings.ToLower(eye), focus),
			"emotion":     fmt.Sprintf("Dominant facial emotion: %s.", emotion),
			"tone":        fmt.Sprintf("Vocal tone was mostly %s.", strings.ToLower(tone)),
		},
	}

	switch {
	case wpm < 120:
		report.Recommendations = append(report.Recommendations, "Increase your speaking pace slightly for energy.")
	case wpm > 160:
		report.Recommendations = append(report.Recommendations, "Slow down a bit for clarity and emphasis.")
	default:
		report.Recommendations = append(report.Recommendations, "Pace was balanced and natural.")
	}
	if rec.Posture < 70 {
		report.Recommendations = append(report.Recommendations, "Maintain upright shoulders and balanced head alignment.")
	}
	if rec.Fillers > 5 {
		report.Recommendations = append(report.Recommendations, "Reduce filler words such as 'um' and 'like' for smoother delivery.")
	}
	switch strings.ToLower(tone) {
	case "calm":
		report.Recommendations = append(report.Recommendations, "Consider adding energy to sound more engaging.")
	case "energetic":
		report.Recommendations = append(report.Recommendations, "Good vocal projection, keep it controlled for clarity.")
	}
	switch strings.ToLower(emotion) {
	case "sad", "angry", "fearful":
		report.Recommendations = append(report.Recommendations, "A warmer tone and expression can improve connection.")
	}
	return report
}

func (s *AnalysisServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade audio stream")
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var sessionID string
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Audio stream ended")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var bind uplink.BindMessage
			if json.Unmarshal(data, &bind) == nil && bind.SessionID != "" {
				sessionID = bind.SessionID
				s.logger.WithField("session_id", sessionID).Debug("Audio stream bound")
			}
		case websocket.BinaryMessage:
			fb, ok := s.Analyze(sessionID, audio.DecodePCM16(data))
			if !ok {
				continue
			}
			if err := conn.WriteJSON(fb); err != nil {
				return
			}
		}
	}
}

// Analyze computes the voice feedback for one chunk and accumulates it for
// sessionID. Chunks too short to analyse yield false. Chunks below the
// noise floor yield a volume-only "Noise" heartbeat that is not accumulated.
func (s *AnalysisServer) Analyze(sessionID string, samples []float32) (uplink.Feedback, bool) {
	if len(samples) < minAnalysisSamples {
		return uplink.Feedback{}, false
	}

	rms := audio.RMS(samples)
	if rms < audio.NoiseFloorRMS {
		return uplink.Feedback{Volume: round(rms*100, 2), Tone: audio.ToneNoise}, true
	}

	pitch := EstimatePitch(samples, s.sampleRate)
	tone := audio.ClassifyTone(rms)
	wpm := float64(int(120 + rms*200))

	if sessionID != "" {
		s.mu.Lock()
		stats, ok := s.audio[sessionID]
		if !ok {
			stats = &audioStats{}
			s.audio[sessionID] = stats
		}
		stats.volume = append(stats.volume, rms*100)
		stats.pitch = append(stats.pitch, pitch)
		stats.tones = append(stats.tones, tone)
		stats.wpm = append(stats.wpm, wpm)
		s.mu.Unlock()
	}

	return uplink.Feedback{
		Volume: round(rms*100, 2),
		Pitch:  round(pitch, 1),
		Tone:   tone,
		WPM:    wpm,
	}, true
}

// EstimatePitch estimates the fundamental from the zero-crossing rate. It
// returns 0 outside the speaking range.
func EstimatePitch(samples []float32, sampleRate int) float64 {
	if len(samples) < 2 || sampleRate <= 0 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			crossings++
		}
	}
	seconds := float64(len(samples)) / float64(sampleRate)
	hz := float64(crossings) / 2 / seconds
	if hz < minPitchHz || hz > maxPitchHz {
		return 0
	}
	return hz
}

func (s *AnalysisServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detect.FrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, errors.NewInvalidInput("invalid frame request"))
		return
	}
	pose, err := s.pose.Detect(r.Context(), capture.Frame{Data: req.Image, Width: req.Width, Height: req.Height})
	if err != nil {
		errors.WriteError(w, errors.NewInvalidInput(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, detect.PoseResponse{Landmarks: *pose})
}

func (s *AnalysisServer) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req detect.FrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, errors.NewInvalidInput("invalid frame request"))
		return
	}
	classifier := s.expression
	if len(req.Labels) > 0 {
		classifier = NewExpressionClassifier(req.Labels)
	}
	scores, err := classifier.Classify(r.Context(), capture.Frame{Data: req.Image})
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detect.ExpressionResponse{Scores: scores})
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// dominantTone returns the most frequent tone; ties go to the alphabetically first
func dominantTone(tones []string) string {
	if len(tones) == 0 {
		return coaching.ToneNeutral
	}
	counts := make(map[string]int)
	for _, t := range tones {
		counts[t]++
	}
	names := make([]string, 0, len(counts))
	for t := range counts {
		names = append(names, t)
	}
	sort.Strings(names)
	best := names[0]
	for _, t := range names[1:] {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
