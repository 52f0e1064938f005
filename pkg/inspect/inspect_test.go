/*
 *     Copyright 2025 The CNAI Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package inspect

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohanadWebsite/image-enhancer/internal/cache"
	"github.com/MohanadWebsite/image-enhancer/pkg/arch"
	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

func writeTestModel(t *testing.T, path string) {
	t.Helper()

	b := graph.NewBuilder(graph.DefaultOpset)
	x := b.Input("input", 1, 3, 4, 4)
	w := b.Param("conv.weight", tensor.New(3, 3, 1, 1))
	y := b.Conv(x, w, graph.Value{}, graph.ConvOptions{})
	y = b.Resize(y, 2, "nearest")
	y = b.Resize(y, 2, "nearest")
	require.NoError(t, b.Err())

	in, err := graph.Schema("input", x.Shape, graph.ImageAxes())
	require.NoError(t, err)
	out, err := graph.Schema("output", y.Shape, graph.ImageAxes())
	require.NoError(t, err)
	g, err := b.Finish("tiny", []graph.TensorSchema{in}, []graph.Value{y}, []graph.TensorSchema{out})
	require.NoError(t, err)

	_, err = onnx.WriteFile(path, &onnx.Model{
		IRVersion:     graph.IRVersion(graph.DefaultOpset),
		OpsetImport:   []onnx.OpsetID{{Version: graph.DefaultOpset}},
		ProducerName:  "enhancer",
		Graph:         g,
		MetadataProps: []onnx.StringEntry{{Key: "scale", Value: "4"}},
	})
	require.NoError(t, err)
}

// writeSafetensors writes zero weights for every parameter of a.
func writeSafetensors(t *testing.T, path string, a checkpoint.Target) {
	t.Helper()

	header := map[string]any{}
	var body []byte
	for _, spec := range a.Parameters() {
		start := len(body)
		body = append(body, make([]byte, 4*tensor.NumElements(spec.Shape))...)
		header[spec.Name] = map[string]any{"dtype": "F32", "shape": spec.Shape, "data_offsets": []int{start, len(body)}}
	}

	hdr, err := json.Marshal(header)
	require.NoError(t, err)
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	require.NoError(t, os.WriteFile(path, append(append(data, hdr...), body...), 0o600))
}

func TestInspect_Model(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.onnx")
	writeTestModel(t, path)

	c, err := cache.New(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	r, err := Inspect(context.Background(), path, c)
	require.NoError(t, err)
	assert.Equal(t, KindONNX, r.Kind)
	assert.Nil(t, r.Checkpoint)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, godigest.FromBytes(data).String(), r.Digest)
	assert.Equal(t, int64(len(data)), r.Size)

	m := r.Model
	require.NotNil(t, m)
	assert.Equal(t, "enhancer", m.Producer)
	assert.Equal(t, int64(graph.DefaultOpset), m.Opset)
	assert.Equal(t, map[string]string{"scale": "4"}, m.Metadata)
	require.Len(t, m.Inputs, 1)
	assert.Equal(t, "input", m.Inputs[0].Name)
	assert.Equal(t, "float32", m.Inputs[0].Type)
	assert.Equal(t, "3", m.Inputs[0].Shape[1])
	assert.NotEqual(t, "4", m.Inputs[0].Shape[2], "height is dynamic")
	assert.Equal(t, []OpCount{{Op: "Conv", Count: 1}, {Op: "Resize", Count: 2}}, m.Ops)
	assert.Equal(t, 3, m.Nodes)

	model, err := onnx.ReadFile(path)
	require.NoError(t, err)
	var floats int64
	for _, init := range model.Graph.Initializers {
		floats += init.NumElements()
	}
	assert.Equal(t, len(model.Graph.Initializers), m.Initializers)
	assert.Equal(t, floats, m.Parameters["float32"])
	assert.GreaterOrEqual(t, floats, int64(9))

	var table bytes.Buffer
	require.NoError(t, r.WriteTable(&table))
	assert.Contains(t, table.String(), "Resize")
	assert.Contains(t, table.String(), "scale")

	var js bytes.Buffer
	require.NoError(t, r.WriteJSON(&js))
	var decoded Report
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, r.Model.Ops, decoded.Model.Ops)
}

func TestInspect_Checkpoint(t *testing.T) {
	old := variants
	t.Cleanup(func() { variants = old })
	tiny := arch.Options{NumFeat: 4, NumConv: 1, Scale: 2}
	variants = []variant{
		{arch: arch.SRVGGName, label: "tiny", opts: tiny},
		{arch: arch.RRDBNetName, label: "x4", opts: arch.Options{Scale: 4}},
	}

	a, err := arch.Lookup(arch.SRVGGName, tiny)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	writeSafetensors(t, path, a)

	r, err := Inspect(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, KindCheckpoint, r.Kind)
	assert.Nil(t, r.Model)

	ck := r.Checkpoint
	require.NotNil(t, ck)
	assert.Equal(t, len(a.Parameters()), ck.Tensors)
	var total int64
	for _, spec := range a.Parameters() {
		total += int64(tensor.NumElements(spec.Shape))
	}
	assert.Equal(t, total, ck.Parameters)

	require.Len(t, ck.Architectures, 2)
	assert.True(t, ck.Architectures[0].Complete)
	assert.Equal(t, checkpoint.Direct, ck.Architectures[0].Layout)
	assert.False(t, ck.Architectures[1].Complete)
	assert.Zero(t, ck.Architectures[1].Loaded)

	var out bytes.Buffer
	require.NoError(t, r.WriteTable(&out))
	assert.Contains(t, out.String(), "tiny")
	assert.Contains(t, out.String(), "yes")
}

func TestInspect_UnknownFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a model"), 0o600))

	_, err := Inspect(context.Background(), path, nil)
	assert.ErrorIs(t, err, ErrUnknownFile)

	_, err = Inspect(context.Background(), dir, nil)
	assert.Error(t, err)

	_, err = Inspect(context.Background(), filepath.Join(dir, "missing.onnx"), nil)
	assert.Error(t, err)
}
