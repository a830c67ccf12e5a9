package processors

import (
	"math"
	"sort"

	"github.com/ternarybob/arbor"

	"lectureIndex/config"
	"lectureIndex/core"
)

// FrameLayout 一帧的版面框集合及帧尺寸
type FrameLayout struct {
	FrameIndex int
	Width      int
	Height     int
	Boxes      []core.LayoutBox
}

// ConsolidatorConfig holds the thresholds of the cross-frame consolidation pass.
type ConsolidatorConfig struct {
	RepeatThreshold float64 // fraction of frames a box must recur in
	SimThreshold    float64 // positional tolerance as a fraction of frame size
	IndentRatio     float64 // indentation threshold as a fraction of frame width
	TitleRatio      float64 // fraction of title labels that turns a repeat into a title
	MinFrames       int     // repeat suppression needs at least this many frames
	AllowedLabels   []string
}

// ConsolidatorConfigFrom 从应用配置构造
func ConsolidatorConfigFrom(cfg config.LayoutConfig) ConsolidatorConfig {
	return ConsolidatorConfig{
		RepeatThreshold: cfg.RepeatThreshold,
		SimThreshold:    cfg.SimThreshold,
		IndentRatio:     cfg.IndentRatio,
		TitleRatio:      cfg.TitleRatio,
		MinFrames:       cfg.MinFrames,
		AllowedLabels:   cfg.AllowedLabels,
	}
}

// DefaultConsolidatorConfig 默认阈值
func DefaultConsolidatorConfig() ConsolidatorConfig {
	return ConsolidatorConfigFrom(config.DefaultConfig().Layout)
}

// LayoutConsolidator 跨帧版面合并: 重复框抑制/标题识别 + 缩进分组
type LayoutConsolidator struct {
	cfg     ConsolidatorConfig
	allowed map[string]bool
	logger  arbor.ILogger
}

func NewLayoutConsolidator(cfg ConsolidatorConfig, logger arbor.ILogger) *LayoutConsolidator {
	if cfg.MinFrames < 1 {
		cfg.MinFrames = 3
	}
	allowed := make(map[string]bool, len(cfg.AllowedLabels))
	for _, l := range cfg.AllowedLabels {
		allowed[l] = true
	}
	return &LayoutConsolidator{cfg: cfg, allowed: allowed, logger: logger}
}

// AssignBoxIDs sorts raw boxes top-down by y1 and numbers them from 0.
func AssignBoxIDs(lecture string, videoID int64, frameIndex int, raw []core.RawBox) []core.LayoutBox {
	sorted := make([]core.RawBox, len(raw))
	copy(sorted, raw)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Y1 < sorted[j].Y1 })

	boxes := make([]core.LayoutBox, len(sorted))
	for i, r := range sorted {
		boxes[i] = core.LayoutBox{
			LectureName: lecture,
			VideoID:     videoID,
			FrameIndex:  frameIndex,
			BoxID:       i,
			Label:       r.Label,
			Score:       r.Score,
			Rect:        r.Rect,
		}
	}
	return boxes
}

// boxRef addresses a box by its position in the frames slice and in that frame's Boxes.
type boxRef struct {
	frame int
	box   int
}

func isTitleLabel(label string) bool {
	return label == core.LabelParagraphTitle || label == core.LabelDocTitle
}

// SuppressRepeats finds boxes that recur at the same position across most frames.
// A recurring set that is mostly titles goes to titles, anything else to deleted.
// Boxes already deleted are neither seeds nor candidates. Title boxes stay eligible.
func (c *LayoutConsolidator) SuppressRepeats(frames []FrameLayout) (titles, deleted map[boxRef]bool) {
	titles = map[boxRef]bool{}
	deleted = map[boxRef]bool{}
	if len(frames) < c.cfg.MinFrames {
		return titles, deleted
	}

	required := float64(len(frames)) * c.cfg.RepeatThreshold
	for fi, frame := range frames {
		xVar := float64(frame.Width) * c.cfg.SimThreshold
		yVar := float64(frame.Height) * c.cfg.SimThreshold

		for bi, box := range frame.Boxes {
			if deleted[boxRef{fi, bi}] {
				continue
			}

			members := []boxRef{{fi, bi}}
			titleCount := 0
			if isTitleLabel(box.Label) {
				titleCount++
			}

			for ci, other := range frames {
				if ci == fi || other.Width != frame.Width || other.Height != frame.Height {
					continue
				}
				// first match per compared frame only
				for cbi, cand := range other.Boxes {
					if deleted[boxRef{ci, cbi}] {
						continue
					}
					if math.Abs(box.X1-cand.X1) <= xVar &&
						math.Abs(box.Y1-cand.Y1) <= yVar &&
						math.Abs(box.Y2-cand.Y2) <= yVar {
						members = append(members, boxRef{ci, cbi})
						if isTitleLabel(cand.Label) {
							titleCount++
						}
						break
					}
				}
			}

			if float64(len(members)) < required {
				continue
			}
			target := deleted
			if float64(titleCount)/float64(len(members)) >= c.cfg.TitleRatio {
				target = titles
			}
			for _, m := range members {
				target[m] = true
			}
		}
	}
	return titles, deleted
}

// GroupByIndentation merges indented text runs into blocks.
// A text or paragraph_title box continues the open group when its x1 is more than
// threshold right of the group's first box, otherwise it starts a new group.
// Formulas widen the open group and are also kept on their own.
// Other allowed labels close the group and pass through. Unknown labels are dropped.
func (c *LayoutConsolidator) GroupByIndentation(boxes []core.LayoutBox, threshold float64) []core.LayoutBox {
	var (
		out     []core.LayoutBox
		group   *core.LayoutBox
		anchorX float64
	)
	flush := func() {
		if group != nil {
			out = append(out, *group)
			group = nil
		}
	}
	start := func(b core.LayoutBox) {
		g := b
		g.Label = core.LabelText
		group = &g
		anchorX = b.X1
	}

	for _, b := range boxes {
		switch {
		case b.Label == core.LabelText || b.Label == core.LabelParagraphTitle:
			switch {
			case group == nil:
				start(b)
			case b.X1 > anchorX+threshold:
				group.Rect = group.Union(b.Rect)
				group.Score = math.Min(group.Score, b.Score)
			default:
				flush()
				start(b)
			}
		case b.Label == core.LabelFormula:
			if group != nil {
				group.Rect = group.Union(b.Rect)
				group.Score = math.Min(group.Score, b.Score)
			}
			out = append(out, b)
		case c.allowed[b.Label]:
			flush()
			out = append(out, b)
		}
	}
	flush()
	return out
}

// Consolidate runs repeat suppression over all frames, then indentation grouping per frame.
// With fewer than MinFrames frames the raw boxes are returned unchanged.
// The input is left untouched.
func (c *LayoutConsolidator) Consolidate(frames []FrameLayout) []FrameLayout {
	if len(frames) < c.cfg.MinFrames {
		out := make([]FrameLayout, len(frames))
		for fi, frame := range frames {
			out[fi] = frame
			out[fi].Boxes = append([]core.LayoutBox(nil), frame.Boxes...)
		}
		return out
	}

	titles, deleted := c.SuppressRepeats(frames)

	out := make([]FrameLayout, len(frames))
	for fi, frame := range frames {
		kept := make([]core.LayoutBox, 0, len(frame.Boxes))
		for bi, b := range frame.Boxes {
			ref := boxRef{fi, bi}
			if deleted[ref] {
				continue
			}
			if titles[ref] {
				b.Label = core.LabelTitle
			}
			kept = append(kept, b)
		}

		threshold := float64(frame.Width) * c.cfg.IndentRatio
		out[fi] = FrameLayout{
			FrameIndex: frame.FrameIndex,
			Width:      frame.Width,
			Height:     frame.Height,
			Boxes:      c.GroupByIndentation(kept, threshold),
		}
	}

	if c.logger != nil {
		c.logger.Debug().
			Int("frames", len(frames)).
			Int("titles", len(titles)).
			Int("deleted", len(deleted)).
			Msg("Layout consolidation finished")
	}
	return out
}
