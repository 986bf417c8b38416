package yolo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/onnx"
	"github.com/born-ml/yolov8/internal/tensor"
)

// ONNX graph value names.
const (
	onnxInput  = "images"
	onnxOutput = "output0"
	onnxAuthor = "Born ML Framework"
)

// exportONNX emits the inference graph: fused Conv+BN, SiLU as x*sigmoid(x), and a
// Detect head decoded to [batch, 4+nc, anchors] with boxes as (cx, cy, w, h) pixels.
func (m *Model) exportONNX(path string, opts ExportOptions) error {
	model, err := m.ONNX(opts)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(onnx.WriteFile(path, model))
}

// ONNX builds the ONNX model for opts without writing it.
func (m *Model) ONNX(opts ExportOptions) (*onnx.ModelProto, error) {
	opts, err := m.exportOptions(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	input := tensor.Shape{opts.Batch, m.Model.InChannels(), opts.ImgSize, opts.ImgSize}
	shapes, err := m.Model.Trace(input)
	if err != nil {
		return nil, errors.Annotate(err, "tracing export shapes")
	}

	e := &graphEmitter{b: onnx.NewGraphBuilder("main_graph")}
	x := e.b.AddInput(onnxInput, onnx.TensorProtoFloat, input.Int64())

	values := make([]string, len(m.Model.Layers()))
	for i, l := range m.Model.Layers() {
		in := make([]string, len(l.From))
		inShapes := make([]tensor.Shape, len(l.From))
		for k, j := range l.From {
			if i == 0 && j == -1 {
				in[k], inShapes[k] = x, input
				continue
			}
			abs := m.Model.absolute(j, i)
			in[k], inShapes[k] = values[abs], shapes[abs]
		}
		prefix := "/model." + strconv.Itoa(i)
		out, err := e.module(prefix, l.Module, in, inShapes)
		if err != nil {
			return nil, errors.Annotatef(err, "layer %d (%s)", i, l.Type)
		}
		values[i] = out
	}

	final := shapes[len(shapes)-1]
	e.b.AddNamedOutput(values[len(values)-1], onnxOutput, onnx.TensorProtoFloat, final.Int64())
	graph := e.b.Graph()

	if opts.Opset > 0 && opts.Opset != onnx.DefaultOpset {
		logger.Warningf("opset %d requested, exporting with opset %d", opts.Opset, onnx.DefaultOpset)
	}
	return onnx.NewModel(graph, map[string]string{
		"description": fmt.Sprintf("Born %s model", m.displayName()),
		"author":      onnxAuthor,
		"date":        time.Now().UTC().Format(time.RFC3339),
		"version":     onnx.ProducerVersion,
		"task":        m.Task,
		"stride":      strconv.Itoa(m.Model.MaxStride()),
		"batch":       strconv.Itoa(opts.Batch),
		"imgsz":       fmt.Sprintf("[%d, %d]", opts.ImgSize, opts.ImgSize),
		"names":       m.Names.String(),
	}), nil
}

type graphEmitter struct {
	b *onnx.GraphBuilder
}

func (e *graphEmitter) module(prefix string, mod nn.Module, in []string, shapes []tensor.Shape) (string, error) {
	switch v := mod.(type) {
	case *nn.Conv:
		return e.conv(prefix, v, in[0])
	case *nn.Conv2D:
		return e.plainConv(prefix, v, in[0])
	case *nn.C2f:
		return e.c2f(prefix, v, in[0])
	case *nn.SPPF:
		return e.sppf(prefix, v, in[0])
	case *nn.Upsample:
		scales := e.b.AddFloats(prefix+".scales", []int64{4}, []float32{1, 1, float32(v.Scale()), float32(v.Scale())})
		return e.b.Node("Resize", []string{in[0], "", scales},
			onnx.StringAttr("mode", "nearest"),
			onnx.StringAttr("coordinate_transformation_mode", "asymmetric"),
			onnx.StringAttr("nearest_mode", "floor"),
		), nil
	case *nn.Concat:
		return e.b.Node("Concat", in, onnx.IntAttr("axis", int64(v.Dim()))), nil
	case *nn.CBAM:
		return e.cbam(prefix, v, in[0])
	case *nn.Detect:
		return e.detect(prefix, v, in, shapes)
	case *nn.Sequential:
		x := in[0]
		for j := range v.Len() {
			var err error
			if x, err = e.module(prefix+"."+strconv.Itoa(j), v.Module(j), []string{x}, shapes); err != nil {
				return "", err
			}
		}
		return x, nil
	default:
		return "", errors.NotSupportedf("onnx export of %s", mod)
	}
}

// conv emits a BN-fused convolution followed by SiLU.
func (e *graphEmitter) conv(prefix string, c *nn.Conv, x string) (string, error) {
	weight, bias := c.Fused()
	y, err := e.conv2d(prefix+".conv", c.Conv2D(), weight, bias, x)
	if err != nil {
		return "", err
	}
	return e.silu(y), nil
}

func (e *graphEmitter) conv2d(prefix string, c *nn.Conv2D, weight, bias *tensor.RawTensor, x string) (string, error) {
	w, err := e.b.AddInitializer(prefix+".weight", weight)
	if err != nil {
		return "", err
	}
	inputs := []string{x, w}
	if bias != nil {
		b, err := e.b.AddInitializer(prefix+".bias", bias)
		if err != nil {
			return "", err
		}
		inputs = append(inputs, b)
	}
	k, s, p := int64(c.KernelSize()), int64(c.Stride()), int64(c.Padding())
	return e.b.Node("Conv", inputs,
		onnx.IntsAttr("dilations", 1, 1),
		onnx.IntAttr("group", 1),
		onnx.IntsAttr("kernel_shape", k, k),
		onnx.IntsAttr("pads", p, p, p, p),
		onnx.IntsAttr("strides", s, s),
	), nil
}

// plainConv emits a Conv2D with its own (possibly absent) bias.
func (e *graphEmitter) plainConv(prefix string, c *nn.Conv2D, x string) (string, error) {
	var bias *tensor.RawTensor
	if c.Bias() != nil {
		bias = c.Bias().Tensor()
	}
	return e.conv2d(prefix, c, c.Weight().Tensor(), bias, x)
}

func (e *graphEmitter) silu(x string) string {
	return e.b.Node("Mul", []string{x, e.b.Node("Sigmoid", []string{x})})
}

func (e *graphEmitter) bottleneck(prefix string, bn *nn.Bottleneck, x string) (string, error) {
	y, err := e.conv(prefix+".cv1", bn.CV1(), x)
	if err != nil {
		return "", err
	}
	if y, err = e.conv(prefix+".cv2", bn.CV2(), y); err != nil {
		return "", err
	}
	if bn.Residual() {
		y = e.b.Node("Add", []string{x, y})
	}
	return y, nil
}

func (e *graphEmitter) c2f(prefix string, c *nn.C2f, x string) (string, error) {
	y, err := e.conv(prefix+".cv1", c.CV1(), x)
	if err != nil {
		return "", err
	}
	h := int64(c.Hidden())
	parts := e.b.NodeN("Split", []string{y, e.b.AddInt64s(prefix+".split", []int64{h, h})}, 2, onnx.IntAttr("axis", 1))
	for j, block := range c.Blocks() {
		next, err := e.bottleneck(prefix+".m."+strconv.Itoa(j), block, parts[len(parts)-1])
		if err != nil {
			return "", err
		}
		parts = append(parts, next)
	}
	cat := e.b.Node("Concat", parts, onnx.IntAttr("axis", 1))
	return e.conv(prefix+".cv2", c.CV2(), cat)
}

func (e *graphEmitter) sppf(prefix string, s *nn.SPPF, x string) (string, error) {
	y, err := e.conv(prefix+".cv1", s.CV1(), x)
	if err != nil {
		return "", err
	}
	k := int64(s.PoolSize())
	p := k / 2
	parts := []string{y}
	for range 3 {
		parts = append(parts, e.b.Node("MaxPool", []string{parts[len(parts)-1]},
			onnx.IntAttr("ceil_mode", 0),
			onnx.IntsAttr("dilations", 1, 1),
			onnx.IntsAttr("kernel_shape", k, k),
			onnx.IntsAttr("pads", p, p, p, p),
			onnx.IntsAttr("strides", 1, 1),
		))
	}
	cat := e.b.Node("Concat", parts, onnx.IntAttr("axis", 1))
	return e.conv(prefix+".cv2", s.CV2(), cat)
}

func (e *graphEmitter) cbam(prefix string, c *nn.CBAM, x string) (string, error) {
	pooled := e.b.Node("GlobalAveragePool", []string{x})
	fc, err := e.plainConv(prefix+".channel_attention.fc", c.Channel().FC(), pooled)
	if err != nil {
		return "", err
	}
	x = e.b.Node("Mul", []string{x, e.b.Node("Sigmoid", []string{fc})})

	mean := e.b.Node("ReduceMean", []string{x}, onnx.IntsAttr("axes", 1), onnx.IntAttr("keepdims", 1))
	peak := e.b.Node("ReduceMax", []string{x}, onnx.IntsAttr("axes", 1), onnx.IntAttr("keepdims", 1))
	cat := e.b.Node("Concat", []string{mean, peak}, onnx.IntAttr("axis", 1))
	att, err := e.plainConv(prefix+".spatial_attention.cv1", c.Spatial().CV1(), cat)
	if err != nil {
		return "", err
	}
	return e.b.Node("Mul", []string{x, e.b.Node("Sigmoid", []string{att})}), nil
}

// detect emits the head and its decode:
//
//	box, cls = split(concat_levels(reshape(cat(cv2(x), cv3(x)))))
//	dist = dfl(box); lt, rb = split(dist)
//	xywh = ((anchor - lt + anchor + rb) / 2, rb + lt) * stride
//	output = cat(xywh, sigmoid(cls))
func (e *graphEmitter) detect(prefix string, d *nn.Detect, in []string, shapes []tensor.Shape) (string, error) {
	no := int64(d.NumOutputs())
	batch := int64(shapes[0][0])

	levels := make([]string, len(in))
	var anchors []float32
	var strides []float32
	for i, x := range in {
		box, err := e.module(fmt.Sprintf("%s.cv2.%d", prefix, i), d.Box(i), []string{x}, nil)
		if err != nil {
			return "", err
		}
		cls, err := e.module(fmt.Sprintf("%s.cv3.%d", prefix, i), d.Cls(i), []string{x}, nil)
		if err != nil {
			return "", err
		}
		cat := e.b.Node("Concat", []string{box, cls}, onnx.IntAttr("axis", 1))
		shape := e.b.AddInt64s(prefix+".reshape", []int64{batch, no, -1})
		levels[i] = e.b.Node("Reshape", []string{cat, shape})

		h, w, s := shapes[i][2], shapes[i][3], float32(d.Stride()[i])
		for gy := range h {
			for gx := range w {
				anchors = append(anchors, float32(gx)+0.5, float32(gy)+0.5)
				strides = append(strides, s)
			}
		}
	}
	numAnchors := int64(len(strides))

	all := e.b.Node("Concat", levels, onnx.IntAttr("axis", 2))
	split := e.b.AddInt64s(prefix+".split", []int64{4 * nn.RegMax, int64(d.NumClasses())})
	parts := e.b.NodeN("Split", []string{all, split}, 2, onnx.IntAttr("axis", 1))
	box, cls := parts[0], parts[1]

	// DFL: softmax over the bins, then the fixed 0..15 projection.
	box = e.b.Node("Reshape", []string{box, e.b.AddInt64s(prefix+".dfl.reshape", []int64{batch, 4, nn.RegMax, numAnchors})})
	box = e.b.Node("Transpose", []string{box}, onnx.IntsAttr("perm", 0, 2, 1, 3))
	box = e.b.Node("Softmax", []string{box}, onnx.IntAttr("axis", 1))
	box, err := e.plainConv(prefix+".dfl.conv", d.DFL().Projection(), box)
	if err != nil {
		return "", err
	}
	dist := e.b.Node("Reshape", []string{box, e.b.AddInt64s(prefix+".dfl.flatten", []int64{batch, 4, numAnchors})})

	// Anchor points go in as [1, 2, A]: all x centers, then all y centers.
	grid := make([]float32, 2*numAnchors)
	for a := range numAnchors {
		grid[a] = anchors[2*a]
		grid[numAnchors+a] = anchors[2*a+1]
	}
	anchorPoints := e.b.AddFloats(prefix+".anchors", []int64{1, 2, numAnchors}, grid)
	strideTensor := e.b.AddFloats(prefix+".strides", []int64{1, 1, numAnchors}, strides)

	ltrb := e.b.NodeN("Split", []string{dist, e.b.AddInt64s(prefix+".ltrb", []int64{2, 2})}, 2, onnx.IntAttr("axis", 1))
	x1y1 := e.b.Node("Sub", []string{anchorPoints, ltrb[0]})
	x2y2 := e.b.Node("Add", []string{anchorPoints, ltrb[1]})
	half := e.b.AddFloats(prefix+".half", nil, []float32{0.5})
	center := e.b.Node("Mul", []string{e.b.Node("Add", []string{x1y1, x2y2}), half})
	size := e.b.Node("Sub", []string{x2y2, x1y1})
	xywh := e.b.Node("Concat", []string{center, size}, onnx.IntAttr("axis", 1))
	xywh = e.b.Node("Mul", []string{xywh, strideTensor})

	return e.b.Node("Concat", []string{xywh, e.b.Node("Sigmoid", []string{cls})}, onnx.IntAttr("axis", 1)), nil
}
