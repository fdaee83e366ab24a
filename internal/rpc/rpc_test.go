package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/matheus3301/huddle/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/types/known/emptypb"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatal("json codec not registered")
	}

	data, err := c.Marshal(&SendMessageRequest{ChatID: "c1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"chat_id":"c1","text":"hi"}` {
		t.Errorf("Marshal = %s", data)
	}
	var in SendMessageRequest
	if err := c.Unmarshal(data, &in); err != nil {
		t.Fatal(err)
	}
	if in.ChatID != "c1" || in.Text != "hi" {
		t.Errorf("Unmarshal = %+v", in)
	}
}

func TestCodecProtoMessage(t *testing.T) {
	c := codec{}
	data, err := c.Marshal(&emptypb.Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("empty message encoded to %d bytes", len(data))
	}
	if err := c.Unmarshal(data, &emptypb.Empty{}); err != nil {
		t.Errorf("Unmarshal() error = %v", err)
	}
}

func TestResultEnvelope(t *testing.T) {
	if r := ResultOf(nil); !r.Success || r.Error != nil || r.Err() != nil {
		t.Errorf("ResultOf(nil) = %+v", r)
	}

	tests := []struct {
		err  error
		kind model.Kind
		is   error
	}{
		{model.ErrAuthNotReady, model.KindAuthNotReady, model.ErrAuthNotReady},
		{model.Invalid("text", "must not be empty"), model.KindValidation, model.ErrValidation},
		{model.ErrOffline, model.KindNetwork, model.ErrNetwork},
		{fmt.Errorf("get chat: %w", model.ErrNotFound), model.KindNotFound, model.ErrNotFound},
		{model.ErrBusy, model.KindBusy, model.ErrBusy},
	}
	for _, tt := range tests {
		r := ResultOf(tt.err)
		if r.Success || r.Error == nil || r.Error.Kind != tt.kind {
			t.Errorf("ResultOf(%v) = %+v, want kind %s", tt.err, r, tt.kind)
			continue
		}
		if !errors.Is(r.Err(), tt.is) {
			t.Errorf("Err() = %v, want errors.Is %v", r.Err(), tt.is)
		}
	}

	r := ResultOf(errors.New("boom"))
	if r.Error.Kind != model.KindInternal || r.Err() == nil || r.Err().Error() != "boom" {
		t.Errorf("internal result = %+v", r)
	}
}

func TestEmbeddedResultEncoding(t *testing.T) {
	data, err := codec{}.Marshal(&ResultResponse{Result: ResultOf(model.ErrBusy)})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"success":false,"error":{"kind":"BUSY","message":"send already in flight"}}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}
}

var rpcLine = regexp.MustCompile(`^\s*rpc (\w+)\([\w.]+\) returns \((stream )?[\w.]+\);`)

// protoMethods maps each service in huddle.proto to its methods and whether
// they stream.
func protoMethods(t *testing.T) map[string]map[string]bool {
	t.Helper()
	f, err := os.Open(filepath.Join("..", "..", "proto", "huddle", "v1", "huddle.proto"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]map[string]bool)
	var service string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "service "); ok {
			service = "huddle.v1." + strings.TrimSuffix(name, " {")
			out[service] = make(map[string]bool)
			continue
		}
		if m := rpcLine.FindStringSubmatch(line); m != nil {
			out[service][m[1]] = m[2] != ""
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDescriptorsMatchProtoContract(t *testing.T) {
	want := protoMethods(t)
	for _, desc := range []grpc.ServiceDesc{sessionDesc, chatDesc} {
		got := make(map[string]bool)
		for _, m := range desc.Methods {
			got[m.MethodName] = false
		}
		for _, s := range desc.Streams {
			got[s.StreamName] = s.ServerStreams
		}
		if !maps.Equal(got, want[desc.ServiceName]) {
			t.Errorf("%s methods = %v, proto declares %v", desc.ServiceName, got, want[desc.ServiceName])
		}
	}
}
