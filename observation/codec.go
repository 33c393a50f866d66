package observation

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/vision/keypoints"
)

// ErrCorruptRecord is returned when a stored record fails its checksum or cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt cluster record")

const (
	formatBSON byte = iota
	formatBSONZstd

	// format byte + crc32c
	headerLen = 5
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// clusterRecord is the stored form of a Cluster.
type clusterRecord struct {
	ID          int         `bson:"id"`
	FrameID     int         `bson:"frame_id"`
	Pose        []float64   `bson:"pose"` // x y z qw qx qy qz
	KeyPoints   [][]float64 `bson:"kp"`
	Descriptors [][]float64 `bson:"desc"`
	Points      [][]float64 `bson:"threed"`
}

type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// newCodec returns a codec. Records are zstd compressed when compress is set; both formats can
// always be decoded.
func newCodec(compress bool) (*codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c := &codec{dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			dec.Close()
			return nil, err
		}
		c.enc = enc
	}
	return c, nil
}

func (c *codec) close() error {
	c.dec.Close()
	if c.enc != nil {
		return c.enc.Close()
	}
	return nil
}

func (c *codec) encode(cl *Cluster) ([]byte, error) {
	pt := cl.Pose.Point()
	q := cl.Pose.Orientation().Quaternion()
	rec := clusterRecord{
		ID:          cl.ID,
		FrameID:     cl.FrameID,
		Pose:        []float64{pt.X, pt.Y, pt.Z, q.Real, q.Imag, q.Jmag, q.Kmag},
		KeyPoints:   make([][]float64, len(cl.KeyPoints)),
		Descriptors: make([][]float64, len(cl.Descriptors)),
		Points:      make([][]float64, len(cl.Points)),
	}
	for i, kp := range cl.KeyPoints {
		rec.KeyPoints[i] = []float64{kp.X, kp.Y}
	}
	for i, d := range cl.Descriptors {
		rec.Descriptors[i] = d
	}
	for i, p := range cl.Points {
		rec.Points[i] = []float64{p.X, p.Y, p.Z}
	}
	body, err := bson.Marshal(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding cluster %d", cl.ID)
	}

	format := formatBSON
	if c.enc != nil {
		format = formatBSONZstd
		body = c.enc.EncodeAll(body, nil)
	}
	out := make([]byte, headerLen, headerLen+len(body))
	out[0] = format
	binary.LittleEndian.PutUint32(out[1:headerLen], crc32.Checksum(body, crc32cTable))
	return append(out, body...), nil
}

func (c *codec) decode(data []byte) (*Cluster, error) {
	if len(data) < headerLen {
		return nil, errors.Wrap(ErrCorruptRecord, "record too short")
	}
	body := data[headerLen:]
	if binary.LittleEndian.Uint32(data[1:headerLen]) != crc32.Checksum(body, crc32cTable) {
		return nil, errors.Wrap(ErrCorruptRecord, "checksum mismatch")
	}
	switch data[0] {
	case formatBSON:
	case formatBSONZstd:
		var err error
		if body, err = c.dec.DecodeAll(body, nil); err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "decompressing: %v", err)
		}
	default:
		return nil, errors.Wrapf(ErrCorruptRecord, "unknown record format %d", data[0])
	}

	var rec clusterRecord
	if err := bson.Unmarshal(body, &rec); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "decoding: %v", err)
	}
	if len(rec.Pose) != 7 {
		return nil, errors.Wrapf(ErrCorruptRecord, "pose has %d values", len(rec.Pose))
	}
	cl := &Cluster{
		ID:      rec.ID,
		FrameID: rec.FrameID,
		Pose: spatialmath.NewPose(
			r3.Vector{X: rec.Pose[0], Y: rec.Pose[1], Z: rec.Pose[2]},
			&spatialmath.Quaternion{Real: rec.Pose[3], Imag: rec.Pose[4], Jmag: rec.Pose[5], Kmag: rec.Pose[6]},
		),
		KeyPoints:   make(keypoints.KeyPoints, len(rec.KeyPoints)),
		Descriptors: make(keypoints.Descriptors, len(rec.Descriptors)),
		Points:      make([]r3.Vector, len(rec.Points)),
	}
	for i, kp := range rec.KeyPoints {
		if len(kp) != 2 {
			return nil, errors.Wrapf(ErrCorruptRecord, "keypoint %d has %d values", i, len(kp))
		}
		cl.KeyPoints[i] = r2.Point{X: kp[0], Y: kp[1]}
	}
	for i, d := range rec.Descriptors {
		cl.Descriptors[i] = d
	}
	for i, p := range rec.Points {
		if len(p) != 3 {
			return nil, errors.Wrapf(ErrCorruptRecord, "point %d has %d values", i, len(p))
		}
		cl.Points[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}
	return cl, nil
}
