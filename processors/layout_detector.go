package processors

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lectureIndex/config"
	"lectureIndex/core"
	"lectureIndex/utils"
)

// LayoutDetector detects labelled regions on a single slide image.
type LayoutDetector interface {
	Detect(ctx context.Context, image []byte) ([]core.RawBox, error)
}

// PaddleXLayoutClient calls a PaddleX layout-detection serving endpoint.
type PaddleXLayoutClient struct {
	endpoint   string
	thresholds map[string]float64
	nms        bool
	mergeMode  string
	client     *http.Client
}

func NewPaddleXLayoutClient(cfg config.LayoutConfig) *PaddleXLayoutClient {
	return &PaddleXLayoutClient{
		endpoint:   cfg.Endpoint,
		thresholds: cfg.ClassThresholds,
		nms:        cfg.NMS,
		mergeMode:  cfg.MergeMode,
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

type layoutRequest struct {
	Image                 string             `json:"image"`
	Threshold             map[string]float64 `json:"threshold,omitempty"`
	LayoutNms             bool               `json:"layoutNms"`
	LayoutMergeBboxesMode string             `json:"layoutMergeBboxesMode,omitempty"`
}

type layoutResponse struct {
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
	Result    struct {
		Boxes []struct {
			ClsID      int       `json:"cls_id"`
			Label      string    `json:"label"`
			Score      float64   `json:"score"`
			Coordinate []float64 `json:"coordinate"`
		} `json:"boxes"`
	} `json:"result"`
}

// Detect 对单张图片做版面检测
func (c *PaddleXLayoutClient) Detect(ctx context.Context, image []byte) ([]core.RawBox, error) {
	body, err := json.Marshal(layoutRequest{
		Image:                 base64.StdEncoding.EncodeToString(image),
		Threshold:             c.thresholds,
		LayoutNms:             c.nms,
		LayoutMergeBboxesMode: c.mergeMode,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("layout request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read layout response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("layout service: %w (%d): %s", utils.ErrUpstreamStatus, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed layoutResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode layout response: %w", err)
	}
	if parsed.ErrorCode != 0 {
		return nil, fmt.Errorf("layout service error %d: %s", parsed.ErrorCode, parsed.ErrorMsg)
	}

	boxes := make([]core.RawBox, 0, len(parsed.Result.Boxes))
	for _, b := range parsed.Result.Boxes {
		if len(b.Coordinate) != 4 {
			continue
		}
		box := core.RawBox{
			Label: b.Label,
			Score: b.Score,
			Rect:  core.Rect{X1: b.Coordinate[0], Y1: b.Coordinate[1], X2: b.Coordinate[2], Y2: b.Coordinate[3]},
		}
		if !box.Valid() {
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
