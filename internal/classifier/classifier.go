// Package classifier implements ClassifierClient (component C6): a
// stateless TCP client to an external unit-count predictor. Training writes
// a CSV dataset and sends a one-line "train this file" message with no
// reply; prediction sends one feature row per request over a persistent
// connection and reads back a single ASCII integer.
package classifier

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dase955/artcache/pkg/logging"
)

// FeatureRow is one training or prediction sample: an LSM level followed by
// (range_rate, hotness) pairs, one per heat bucket the segment's own keys
// fall into, sorted by rate descending. Rates[i] and Hotness[i] describe the
// same bucket.
type FeatureRow struct {
	Level   int
	Rates   []float64
	Hotness []float64
}

// Config carries the wire-protocol tunables from pkg/config.
type Config struct {
	Host                           string
	Port                           int
	BufferSize                     int
	DatasetDir                     string
	MaxFeaturesNum                 int
	DefaultUnitsNum                int
	MinUnitsNum                    int
	MaxUnitsNum                    int
	HotnessSignificantDigitsFactor float64
	RateSignificantDigitsFactor    float64
}

// Client is the stateless RPC client (component C6).
type Client struct {
	cfg Config
	log *logging.Logger

	// featureNum is the process-wide feature width, fixed the first time
	// it is observed at readiness time and capped at MaxFeaturesNum. The
	// mutex matters because Train and PredictBatch run on different
	// background shards.
	mu         sync.Mutex
	featureNum int
}

// New builds a Client; the TCP connections it opens are lazy, one per call.
func New(cfg Config, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Client{cfg: cfg, log: log.WithComponent("classifier")}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// featureWidth returns the fixed feature row width (2r+1), setting it from
// the widest row seen if not yet fixed.
func (c *Client) featureWidth(rows []FeatureRow) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.featureNum > 0 {
		return c.featureNum
	}
	width := 0
	for _, r := range rows {
		w := 2*len(r.Rates) + 1
		if w > width {
			width = w
		}
	}
	if width > c.cfg.MaxFeaturesNum {
		width = c.cfg.MaxFeaturesNum
	}
	c.featureNum = width
	return width
}

// rowToInts renders one feature row as the CSV/predict integer sequence:
// level, then (range_rate*RateFactor, hotness*HotnessFactor) pairs truncated
// to integers, right-padded to width with zeros.
func (c *Client) rowToInts(row FeatureRow, width int) []int64 {
	out := make([]int64, 0, width)
	out = append(out, int64(row.Level))
	for i := range row.Rates {
		out = append(out, int64(row.Rates[i]*c.cfg.RateSignificantDigitsFactor))
		out = append(out, int64(row.Hotness[i]*c.cfg.HotnessSignificantDigitsFactor))
	}
	for len(out) < width {
		out = append(out, 0)
	}
	if len(out) > width {
		out = out[:width]
	}
	return out
}

// Train writes a CSV dataset (header Level,Range_0,Hotness_0,...,Target)
// under DatasetDir, then sends "t <dataset_name>" over a fresh connection
// and does not await a reply. weights is an optional per-row visit-count
// weight array written as a trailing Weight column when non-nil. Network
// failures are logged and swallowed: training is dropped silently until the
// next trigger.
func (c *Client) Train(rows []FeatureRow, labels []int, weights []uint64) {
	width := c.featureWidth(rows)
	name := fmt.Sprintf("train-%d.csv", time.Now().UnixNano())
	path := filepath.Join(c.cfg.DatasetDir, name)

	if err := c.writeDataset(path, rows, labels, weights, width); err != nil {
		c.log.Warnf("failed to write training dataset: %v", err)
		return
	}

	conn, err := net.DialTimeout("tcp", c.addr(), 5*time.Second)
	if err != nil {
		c.log.Warnf("classifier unreachable, dropping train request: %v", err)
		return
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "t %s\n", name); err != nil {
		c.log.Warnf("failed to send train request: %v", err)
	}
}

func (c *Client) writeDataset(path string, rows []FeatureRow, labels []int, weights []uint64, width int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := make([]string, 0, width+2)
	header = append(header, "Level")
	for i := 0; i < (width-1)/2; i++ {
		header = append(header, fmt.Sprintf("Range_%d", i), fmt.Sprintf("Hotness_%d", i))
	}
	header = append(header, "Target")
	if weights != nil {
		header = append(header, "Weight")
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for i, row := range rows {
		ints := c.rowToInts(row, width)
		record := make([]string, 0, width+2)
		for _, v := range ints {
			record = append(record, strconv.FormatInt(v, 10))
		}
		label := c.cfg.DefaultUnitsNum
		if i < len(labels) {
			label = labels[i]
		}
		record = append(record, strconv.Itoa(label))
		if weights != nil {
			var weight uint64
			if i < len(weights) {
				weight = weights[i]
			}
			record = append(record, strconv.FormatUint(weight, 10))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	return w.Error()
}

// PredictBatch sends one "p f0 f1 ... fn" request per row over a single
// persistent connection and returns the decoded unit counts, one per row,
// each clamped to [MinUnitsNum, MaxUnitsNum]. On any connection failure it
// logs and falls back to DefaultUnitsNum for every remaining row — predict
// never blocks or fails the caller.
func (c *Client) PredictBatch(rows []FeatureRow) []int {
	width := c.featureWidth(rows)
	labels := make([]int, len(rows))
	for i := range labels {
		labels[i] = c.cfg.DefaultUnitsNum
	}

	conn, err := net.DialTimeout("tcp", c.addr(), 5*time.Second)
	if err != nil {
		c.log.Warnf("classifier unreachable, falling back to defaults: %v", err)
		return labels
	}
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, c.cfg.BufferSize)

	for i, row := range rows {
		ints := c.rowToInts(row, width)
		msg := buildPredictMessage(ints)
		if _, err := conn.Write([]byte(msg)); err != nil {
			c.log.Warnf("predict request failed for row %d, falling back: %v", i, err)
			return labels
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			c.log.Warnf("predict reply failed for row %d, falling back: %v", i, err)
			return labels
		}

		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			c.log.Warnf("malformed predict reply %q for row %d, falling back", line, i)
			continue
		}
		labels[i] = clamp(n, c.cfg.MinUnitsNum, c.cfg.MaxUnitsNum)
	}

	return labels
}

func buildPredictMessage(ints []int64) string {
	var b strings.Builder
	b.WriteString("p")
	for _, v := range ints {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(v, 10))
	}
	b.WriteByte('\n')
	return b.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
