package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/render"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/neovend/licensegate/internal/licensing/types"
)

// maxRequestBody caps the request body for both encodings. A request is
// three short strings; 4 KiB is generous.
const maxRequestBody = 4096

const contentTypeProtobuf = "application/x-protobuf"

var errNotObject = errors.New("request body is not an object")

// isProtobuf reports whether the body is a serialized google.protobuf.Struct.
func isProtobuf(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == contentTypeProtobuf || ct == "application/protobuf"
}

// readFields decodes the body into a generic field map.
func readFields(w http.ResponseWriter, r *http.Request, asProto bool) (map[string]any, error) {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)

	if asProto {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		var msg structpb.Struct
		if err := proto.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg.AsMap(), nil
	}

	var v any
	if err := render.DecodeJSON(body, &v); err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, errNotObject
	}
}

// writeProto writes resp as a google.protobuf.Struct.
func writeProto(w http.ResponseWriter, status int, resp types.ValidateResponse) {
	msg, err := structpb.NewStruct(resp.Fields())
	if err != nil {
		http.Error(w, "proto encode error", http.StatusInternalServerError)
		return
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
