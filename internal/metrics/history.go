package metrics

import "fmt"

// Epoch holds the scalar metrics of one completed epoch.
type Epoch struct {
	Epoch       int     `json:"epoch"`
	Accuracy    float64 `json:"accuracy"`
	Loss        float64 `json:"loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	ValLoss     float64 `json:"val_loss"`
}

// History is the per-epoch training record, in epoch order.
type History struct {
	Epochs []Epoch `json:"epochs"`
}

// Append records the next epoch. Epoch numbers are 1-based and must be
// consecutive.
func (h *History) Append(e Epoch) error {
	if want := len(h.Epochs) + 1; e.Epoch != want {
		return fmt.Errorf("history: got epoch %d, want %d", e.Epoch, want)
	}
	h.Epochs = append(h.Epochs, e)
	return nil
}

// Len is the number of recorded epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Series returns one metric across epochs, by Keras name: accuracy, loss,
// val_accuracy or val_loss.
func (h *History) Series(name string) ([]float64, error) {
	out := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		switch name {
		case "accuracy":
			out[i] = e.Accuracy
		case "loss":
			out[i] = e.Loss
		case "val_accuracy":
			out[i] = e.ValAccuracy
		case "val_loss":
			out[i] = e.ValLoss
		default:
			return nil, fmt.Errorf("history: unknown series %q", name)
		}
	}
	return out, nil
}
