// Package gpuprobe samples GPU memory and process status through
// nvidia-smi, behind a capability interface so planning logic never
// depends on the probe's availability.
package gpuprobe

import (
	"bytes"
	"context"
	"encoding/csv"
	"os/exec"
	"strconv"
	"strings"
)

// Process describes one GPU-resident compute process.
type Process struct {
	PID      int
	Name     string
	MemoryMB int
}

// Status is one GPU's reported utilization.
type Status struct {
	Index     int
	Name      string
	TotalMB   int
	UsedMB    int
	FreeMB    int
	Processes []Process
}

// Sampler is the GPU capability interface. Implementations are best-effort:
// an empty slice (not an error) signals "no GPU information available",
// which callers must treat as "skip GPU-aware behavior", not as a failure.
type Sampler interface {
	Sample(ctx context.Context) []Status
}

// NvidiaSMISampler samples GPU status by shelling out to nvidia-smi.
type NvidiaSMISampler struct {
	// Binary overrides the nvidia-smi executable name, for testing.
	Binary string
}

// NewNvidiaSMISampler creates a sampler using the system nvidia-smi binary.
func NewNvidiaSMISampler() *NvidiaSMISampler {
	return &NvidiaSMISampler{Binary: "nvidia-smi"}
}

// Sample returns the current GPU status, or an empty slice if nvidia-smi is
// unavailable or fails. Sampling never returns an error: the caller's
// adaptive-downsizing step treats absence of GPU data as "skip this step".
func (s *NvidiaSMISampler) Sample(ctx context.Context) []Status {
	binary := s.Binary
	if binary == "" {
		binary = "nvidia-smi"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil
	}

	gpuRows, err := queryCSV(ctx, binary, "--query-gpu=index,name,memory.total,memory.used,memory.free")
	if err != nil || len(gpuRows) == 0 {
		return nil
	}

	statuses := make([]Status, 0, len(gpuRows))
	byIndex := make(map[int]*Status)
	for _, row := range gpuRows {
		if len(row) < 5 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			continue
		}
		total, _ := strconv.Atoi(strings.TrimSpace(row[2]))
		used, _ := strconv.Atoi(strings.TrimSpace(row[3]))
		free, _ := strconv.Atoi(strings.TrimSpace(row[4]))
		st := Status{
			Index:   index,
			Name:    strings.TrimSpace(row[1]),
			TotalMB: total,
			UsedMB:  used,
			FreeMB:  free,
		}
		statuses = append(statuses, st)
		byIndex[index] = &statuses[len(statuses)-1]
	}

	procRows, err := queryCSV(ctx, binary, "--query-compute-apps=gpu_uuid,pid,process_name,used_memory")
	if err == nil {
		// gpu_uuid isn't joinable to index without an extra query, so every
		// process row is attributed to GPU 0, whatever GPU it runs on; this
		// is exact only in the single-GPU case.
		for _, row := range procRows {
			if len(row) < 4 {
				continue
			}
			pid, err := strconv.Atoi(strings.TrimSpace(row[1]))
			if err != nil {
				continue
			}
			mem, _ := strconv.Atoi(strings.TrimSpace(row[3]))
			proc := Process{PID: pid, Name: strings.TrimSpace(row[2]), MemoryMB: mem}
			if st, ok := byIndex[0]; ok {
				st.Processes = append(st.Processes, proc)
			}
		}
	}

	return statuses
}

func queryCSV(ctx context.Context, binary, query string) ([][]string, error) {
	cmd := exec.CommandContext(ctx, binary, query, "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	reader := csv.NewReader(&out)
	reader.TrimLeadingSpace = true
	return reader.ReadAll()
}

// NoopSampler always reports no GPU information, for environments with no
// GPU or where GPU-aware planning is intentionally disabled.
type NoopSampler struct{}

// Sample implements Sampler by always returning an empty slice.
func (NoopSampler) Sample(ctx context.Context) []Status { return nil }
