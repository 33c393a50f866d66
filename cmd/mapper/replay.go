package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/posegraph"
	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/vision/keypoints"
)

// maxLineSize bounds one observation line; clusters carry their descriptors inline.
const maxLineSize = 64 << 20

type jsonPose struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	QW float64 `json:"qw"`
	QX float64 `json:"qx"`
	QY float64 `json:"qy"`
	QZ float64 `json:"qz"`
}

func (p *jsonPose) pose() spatialmath.Pose {
	if p == nil {
		return spatialmath.NewZeroPose()
	}
	q := &spatialmath.Quaternion{Real: p.QW, Imag: p.QX, Jmag: p.QY, Kmag: p.QZ}
	if q.Real == 0 && q.Imag == 0 && q.Jmag == 0 && q.Kmag == 0 {
		q.Real = 1
	}
	return spatialmath.NewPose(r3.Vector{X: p.X, Y: p.Y, Z: p.Z}, q)
}

// observationLine is one line of a replay file, either a frame or a cluster.
type observationLine struct {
	Type      string    `json:"type"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	FrameID   int       `json:"frame_id"`
	Pose      *jsonPose `json:"pose"`

	KeyPoints   [][2]float64 `json:"keypoints"`
	Descriptors [][]float64  `json:"descriptors"`
	Points      [][3]float64 `json:"points"`
}

func (l *observationLine) cluster() observation.Cluster {
	c := observation.Cluster{
		FrameID:     l.FrameID,
		Pose:        l.Pose.pose(),
		KeyPoints:   make(keypoints.KeyPoints, len(l.KeyPoints)),
		Descriptors: make(keypoints.Descriptors, len(l.Descriptors)),
		Points:      make([]r3.Vector, len(l.Points)),
	}
	for i, kp := range l.KeyPoints {
		c.KeyPoints[i] = r2.Point{X: kp[0], Y: kp[1]}
	}
	for i, d := range l.Descriptors {
		c.Descriptors[i] = d
	}
	for i, p := range l.Points {
		c.Points[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}
	return c
}

// sink receives replayed observations.
type sink interface {
	AddFrame(f posegraph.Frame)
	AddCluster(c observation.Cluster) int
}

// replay feeds every line of r into s and returns the number of frames and clusters read.
func replay(ctx context.Context, r io.Reader, s sink) (frames, clusters int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		if ctx.Err() != nil {
			return frames, clusters, ctx.Err()
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line observationLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return frames, clusters, errors.Wrapf(err, "line %d", lineNum)
		}
		switch line.Type {
		case "frame":
			s.AddFrame(posegraph.Frame{Sequence: line.Sequence, Timestamp: line.Timestamp, Pose: line.Pose.pose()})
			frames++
		case "cluster":
			s.AddCluster(line.cluster())
			clusters++
		default:
			return frames, clusters, errors.Errorf("line %d: unknown observation type %q", lineNum, line.Type)
		}
	}
	return frames, clusters, scanner.Err()
}
