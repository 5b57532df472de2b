package hub

import (
	"voxhub/internal/asr"
	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/slu"
	"voxhub/internal/stage"
	"voxhub/internal/tts"
	"voxhub/internal/vad"
	"voxhub/internal/voipio"
	"voxhub/pkg/protocol"
)

// Engines are the pluggable parts of a pipeline.
type Engines struct {
	Device     voipio.Device
	ASR        asr.Engine
	Classifier slu.Classifier
	TTS        tts.Engine
}

// Pipeline is the stage graph of one line:
//
//	VoipIO -record-> VAD -speech-> ASR -utterances-> SLU -results-> hub
//	TTS -play-> VoipIO
type Pipeline struct {
	VoipIO *voipio.Stage
	VAD    *vad.Stage
	ASR    *asr.Stage
	SLU    *slu.Stage
	TTS    *tts.Stage

	Record     *stage.Channel[protocol.Message]
	Speech     *stage.Channel[protocol.Message]
	Play       *stage.Channel[protocol.Message]
	Utterances *stage.Channel[asr.Result]
	Results    *stage.Channel[slu.Result]
}

func NewPipeline(cfg *config.Config, e Engines, m *metrics.Collector) *Pipeline {
	n := cfg.Hub.ChannelBuffer
	p := &Pipeline{
		Record:     stage.NewChannel[protocol.Message]("record", n),
		Speech:     stage.NewChannel[protocol.Message]("speech", n),
		Play:       stage.NewChannel[protocol.Message]("play", n),
		Utterances: stage.NewChannel[asr.Result]("utterances", n),
		Results:    stage.NewChannel[slu.Result]("results", n),
	}
	p.VoipIO = voipio.New(cfg, e.Device, p.Record, p.Play, m)
	p.VAD = vad.New(cfg, p.Record, p.Speech, m)
	p.ASR = asr.New(cfg, e.ASR, p.Speech, p.Utterances, m)
	p.SLU = slu.New(cfg, e.Classifier, p.Utterances, p.Results, m)
	p.TTS = tts.New(cfg, e.TTS, p.Play, m)
	return p
}

// Stages lists the stages from the line inwards.
func (p *Pipeline) Stages() []stage.Stage {
	return []stage.Stage{p.VoipIO, p.VAD, p.ASR, p.SLU, p.TTS}
}

type queue interface {
	Name() string
	Drain() int
	Close()
}

func (p *Pipeline) queues() []queue {
	return []queue{p.Record, p.Speech, p.Play, p.Utterances, p.Results}
}
