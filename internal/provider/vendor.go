package provider

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mediaforge/api/internal/client"
	"github.com/mediaforge/api/internal/model"
)

// Speech pricing is per character; one credit cent covers one hundred
// characters of synthesized text.
const speechCentsPerThousandChars = 10

// Narration speed assumed when estimating audio duration from text.
const speechWordsPerMinute = 150

// ElevenLabsProvider adapts the ElevenLabs speech client to the generation
// contract. The vendor streams raw audio bytes, so results are uploaded to
// our storage here rather than re-homed by the scheduler.
type ElevenLabsProvider struct {
	id      string
	speech  client.SpeechGenerator
	storage client.StorageClient
	healthy func() bool
}

func NewElevenLabsProvider(id string, speech *client.ElevenLabsClient, storage client.StorageClient) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		id:      id,
		speech:  speech,
		storage: storage,
		healthy: speech.IsConfigured,
	}
}

func (p *ElevenLabsProvider) ID() string                 { return p.id }
func (p *ElevenLabsProvider) MediaType() model.MediaType { return model.MediaTypeAudio }

// EstimateCost prices the request on text length alone.
func (p *ElevenLabsProvider) EstimateCost(req *Request) (int64, error) {
	text := stringParam(req.Parameters, "text")
	if text == "" {
		return 0, fmt.Errorf("audio generation requires a text parameter")
	}
	cost := int64(len(text)) * speechCentsPerThousandChars / 1000
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}

func (p *ElevenLabsProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	text := stringParam(req.Parameters, "text")
	estimate, err := p.EstimateCost(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.speech.GenerateSpeech(ctx, &client.GenerateSpeechRequest{
		Text:    text,
		VoiceID: stringParam(req.Parameters, "voiceId"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(err)
	}

	key := fmt.Sprintf("results/audio/%s.mp3", req.JobID)
	url, err := p.storage.Upload(ctx, key, bytes.NewReader(resp.Audio), resp.ContentType)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to store audio result: %w", err))
	}

	return &Result{
		OutputURL: url,
		Cost:      estimate,
		Duration:  estimateSpeechDuration(text),
		Metadata: map[string]interface{}{
			"characters": len(text),
		},
	}, nil
}

func (p *ElevenLabsProvider) Health(ctx context.Context) model.ProviderStatus {
	if p.healthy() {
		return model.ProviderActive
	}
	return model.ProviderMaintenance
}

// ReplicateProvider adapts an asynchronous Replicate model to the generation
// contract. One instance serves one model version for one media type.
type ReplicateProvider struct {
	id           string
	mediaType    model.MediaType
	runner       client.PredictionRunner
	modelVersion string
	baseCost     int64
	pollInterval time.Duration
	maxWait      time.Duration
	configured   func() bool
}

func NewReplicateProvider(id string, mediaType model.MediaType, runner *client.ReplicateClient, modelVersion string, baseCost int64) *ReplicateProvider {
	return &ReplicateProvider{
		id:           id,
		mediaType:    mediaType,
		runner:       runner,
		modelVersion: modelVersion,
		baseCost:     baseCost,
		pollInterval: 3 * time.Second,
		maxWait:      10 * time.Minute,
		configured:   runner.IsConfigured,
	}
}

func (p *ReplicateProvider) ID() string                 { return p.id }
func (p *ReplicateProvider) MediaType() model.MediaType { return p.mediaType }

// EstimateCost scales the model's base cost by output count and, for video,
// requested duration.
func (p *ReplicateProvider) EstimateCost(req *Request) (int64, error) {
	cost := p.baseCost
	if n, ok := numberParam(req.Parameters, "count"); ok && n > 1 {
		cost *= int64(n)
	}
	if p.mediaType == model.MediaTypeVideo {
		if secs, ok := numberParam(req.Parameters, "durationSeconds"); ok && secs > 0 {
			// priced per started 5 second block
			blocks := (int64(secs) + 4) / 5
			cost = p.baseCost * blocks
		}
	}
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}

func (p *ReplicateProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	estimate, err := p.EstimateCost(req)
	if err != nil {
		return nil, err
	}

	input := p.buildInput(req)
	pred, err := p.runner.CreatePrediction(ctx, p.modelVersion, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(err)
	}

	done, err := p.runner.PollPrediction(ctx, pred.ID, p.pollInterval, p.maxWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.Contains(err.Error(), "timed out") {
			return nil, fmt.Errorf("%w: prediction %s", ErrTimeout, pred.ID)
		}
		return nil, Transient(err)
	}

	urls := done.OutputURLs()
	if len(urls) == 0 {
		return nil, Transient(fmt.Errorf("prediction %s succeeded with no output", pred.ID))
	}

	return &Result{
		OutputURL: urls[0],
		Cost:      estimate,
		Metadata: map[string]interface{}{
			"predictionId": pred.ID,
			"outputs":      len(urls),
		},
	}, nil
}

func (p *ReplicateProvider) Health(ctx context.Context) model.ProviderStatus {
	if p.configured() {
		return model.ProviderActive
	}
	return model.ProviderMaintenance
}

func (p *ReplicateProvider) buildInput(req *Request) map[string]interface{} {
	input := map[string]interface{}{}
	if prompt := stringParam(req.Parameters, "prompt"); prompt != "" {
		input["prompt"] = prompt
	} else if text := stringParam(req.Parameters, "text"); text != "" {
		input["prompt"] = text
	}
	if n, ok := numberParam(req.Parameters, "count"); ok && n > 0 {
		input["num_outputs"] = int(n)
	}
	if secs, ok := numberParam(req.Parameters, "durationSeconds"); ok && secs > 0 {
		input["duration"] = int(secs)
	}
	return input
}

func estimateSpeechDuration(text string) float64 {
	words := len(strings.Fields(text))
	return float64(words) / speechWordsPerMinute * 60
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
