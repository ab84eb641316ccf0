package trainer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Runtime executes the model artifact against one dataset chunk and
// returns the produced weights. The artifact is opaque to the coordinator.
type Runtime interface {
	Train(ctx context.Context, modelPath, datasetPath string) ([]byte, error)
}

type hostRuntime struct {
	interpreter string
	logger      *slog.Logger
}

// NewHostRuntime runs the model artifact as a subprocess. The dataset and
// weights paths are handed over via environment; the artifact writes its
// weights to WEIGHTS_PATH, falling back to stdout when it writes nothing.
func NewHostRuntime(interpreter string, logger *slog.Logger) Runtime {
	return &hostRuntime{
		interpreter: interpreter,
		logger:      logger,
	}
}

func (r *hostRuntime) Train(ctx context.Context, modelPath, datasetPath string) ([]byte, error) {
	workDir := filepath.Dir(modelPath)
	weightsPath := filepath.Join(workDir, "weights.out")
	defer os.Remove(weightsPath)

	var cmd *exec.Cmd
	if r.interpreter != "" {
		cmd = exec.CommandContext(ctx, r.interpreter, modelPath)
	} else {
		cmd = exec.CommandContext(ctx, modelPath)
	}
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"DATASET_PATH="+datasetPath,
		"WEIGHTS_PATH="+weightsPath,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.Error("model execution failed",
			slog.String("model", modelPath),
			slog.String("stderr", stderr.String()),
			slog.Any("error", err))

		return nil, fmt.Errorf("model execution failed: %w", err)
	}

	if weights, err := os.ReadFile(weightsPath); err == nil && len(weights) > 0 {
		return weights, nil
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf("model %q produced no weights", filepath.Base(modelPath))
	}

	return stdout.Bytes(), nil
}
