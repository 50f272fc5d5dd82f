package stagecontract

// The structs below are the seven typed handoff shapes a stage may
// produce for the next stage to consume. The orchestrator never parses
// these — Stage.Output is stored and passed through as opaque
// json.RawMessage — but handlers that want strong typing instead of a
// raw map[string]interface{} can marshal/unmarshal through these.

// ResearchOutput is what RESEARCH hands to SCRIPT.
type ResearchOutput struct {
	Topic              string   `json:"topic"`
	Facts              []string `json:"facts"`
	Sources            []string `json:"sources"`
	Hooks              []string `json:"hooks"`
	TargetAudience     string   `json:"target_audience"`
	EstimatedDuration  int      `json:"estimated_duration"`
}

// ScriptBeat is one beat in a SCRIPT's body.
type ScriptBeat struct {
	Heading   string  `json:"heading"`
	Content   string  `json:"content"`
	VisualCue string  `json:"visual_cue"`
	Duration  float64 `json:"duration_s"`
}

// ScriptOutput is what SCRIPT hands to VOICE.
type ScriptOutput struct {
	Hook              string       `json:"hook"`
	Body              []ScriptBeat `json:"body"`
	CTA               string       `json:"cta"`
	FullScript        string       `json:"full_script"`
	EstimatedDuration int          `json:"estimated_duration"`
	SpeakerNotes      []string     `json:"speaker_notes"`
}

// VoiceOutput is what VOICE hands to EDITOR.
type VoiceOutput struct {
	AudioURL   string   `json:"audio_url"`
	DurationS  float64  `json:"duration_s"`
	Transcript string   `json:"transcript"`
	Timestamps []string `json:"timestamps"`
}

// MusicOutput is what MUSIC hands to EDITOR.
type MusicOutput struct {
	AudioURL  string  `json:"audio_url"`
	DurationS float64 `json:"duration_s"`
	Genre     string  `json:"genre"`
	Mood      string  `json:"mood"`
}

// VisualClip is one clip within a VISUAL handoff.
type VisualClip struct {
	URL       string  `json:"url"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
}

// VisualOverlay is one overlay within a VISUAL handoff.
type VisualOverlay struct {
	Content   string  `json:"content"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
	Style     string  `json:"style"`
}

// VisualOutput is what VISUAL hands to EDITOR.
type VisualOutput struct {
	Clips    []VisualClip    `json:"clips"`
	Overlays []VisualOverlay `json:"overlays"`
}

// VideoFormat describes the rendered video's container parameters.
type VideoFormat struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	Codec  string `json:"codec"`
}

// EditorOutput is what EDITOR hands to PUBLISH.
type EditorOutput struct {
	VideoURL     string      `json:"video_url"`
	ThumbnailURL string      `json:"thumbnail_url"`
	DurationS    float64     `json:"duration_s"`
	Format       VideoFormat `json:"format"`
	RenderTimeS  float64     `json:"render_time_s"`
}

// PublishPlatformResult is the per-platform outcome of a PUBLISH stage.
type PublishPlatformResult struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	PostID   string `json:"post_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// PublishOutput is PUBLISH's terminal output; nothing consumes it.
type PublishOutput struct {
	Platforms   []PublishPlatformResult `json:"platforms"`
	PublishedAt string                  `json:"published_at"`
}
