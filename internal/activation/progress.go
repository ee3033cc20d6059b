package activation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var progressGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bmc_flashd_activation_progress",
	Help: "Progress of in-flight activations, 0 to 100.",
}, []string{"version_id"})

// Progress tracks how far an activation has come. It exists only while Activating.
type Progress struct {
	id    string
	value uint8
}

func newProgress(id string) *Progress {
	return &Progress{id: id}
}

func (p *Progress) Set(value uint8) {
	if value > 100 {
		value = 100
	}
	p.value = value
	progressGauge.WithLabelValues(p.id).Set(float64(value))
}

func (p *Progress) Value() uint8 {
	return p.value
}

func (p *Progress) close() {
	progressGauge.DeleteLabelValues(p.id)
}
