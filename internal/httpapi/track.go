package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/agentworkforce/relaydocs/internal/relaydocs"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const trackSchemaURL = "relaydocs://schemas/track.json"

const trackSchemaJSON = `{
  "type": "object",
  "required": ["key", "status"],
  "properties": {
    "key": {"type": "string", "minLength": 1},
    "status": {"type": "integer", "enum": [0, 1, 2, 3, 4, 6, 7]},
    "url": {"type": "string"},
    "changesurl": {"type": "string"},
    "users": {"type": "array", "items": {"type": "string"}},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "integer"},
          "userid": {"type": "string"}
        }
      }
    },
    "forcesavetype": {"type": "integer"},
    "userdata": {"type": "string"}
  }
}`

var trackSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(trackSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(trackSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(trackSchemaURL)
})

type trackReply struct {
	Error string `json:"error"`
}

// handleTrack accepts status callbacks from the external editor. The
// caller's protocol wants a 200 with {"error": "0"} on success and the
// failure message otherwise.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fileID := r.URL.Query().Get("fileid")
	reply := func(err error) {
		if err != nil {
			writeJSON(w, http.StatusOK, trackReply{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, trackReply{Error: "0"})
	}
	if r.Method != http.MethodPost {
		reply(fmt.Errorf("%w: track expects POST", relaydocs.ErrBadRequest))
		return
	}
	if fileID == "" {
		reply(fmt.Errorf("%w: fileid is required", relaydocs.ErrBadRequest))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		reply(fmt.Errorf("%w: failed to read callback body", relaydocs.ErrBadRequest))
		return
	}
	raw, err := s.verifyTrack(r, fileID, body)
	if err != nil {
		s.logger.Warn(ctx, "track callback rejected", "fileId", fileID, "error", err)
		reply(err)
		return
	}
	data, err := decodeTrackData(raw)
	if err != nil {
		s.logger.Warn(ctx, "track callback malformed", "fileId", fileID, "error", err)
		reply(err)
		return
	}
	if s.track == nil {
		reply(fmt.Errorf("%w: track processing is not configured", relaydocs.ErrNotImplemented))
		return
	}
	if err := s.track.ProcessData(ctx, fileID, data); err != nil {
		s.logger.Error(ctx, "track callback failed", "fileId", fileID, "status", int(data.Status), "error", err)
		reply(err)
		return
	}
	s.logger.Info(ctx, "track callback processed", "fileId", fileID, "status", int(data.Status))
	reply(nil)
}

// verifyTrack returns the authenticated callback payload. Without a
// signature secret the body is taken as sent.
func (s *Server) verifyTrack(r *http.Request, fileID string, body []byte) ([]byte, error) {
	secret := s.cfg.SignatureSecret
	if secret == "" {
		return body, nil
	}
	if raw, ok := bearerToken(r.Header.Get("Authorization")); ok {
		payload, err := parseTrackToken(raw, secret, s.now())
		if err != nil {
			return nil, fmt.Errorf("%w: invalid callback token", relaydocs.ErrForbidden)
		}
		return payload, nil
	}
	var envelope struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Token != "" {
		payload, err := parseTrackToken(envelope.Token, secret, s.now())
		if err != nil {
			return nil, fmt.Errorf("%w: invalid callback token", relaydocs.ErrForbidden)
		}
		return payload, nil
	}
	if key := r.URL.Query().Get("stream_auth"); key != "" && s.keys != nil {
		if err := s.keys.Validate(fileID, key, s.cfg.TrackCallbackExpire); err != nil {
			return nil, err
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: callback is not signed", relaydocs.ErrForbidden)
}

func decodeTrackData(raw []byte) (relaydocs.TrackData, error) {
	schema, err := trackSchema()
	if err != nil {
		return relaydocs.TrackData{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return relaydocs.TrackData{}, fmt.Errorf("%w: callback body is not json", relaydocs.ErrBadRequest)
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return relaydocs.TrackData{}, fmt.Errorf("%w: invalid callback payload: %s", relaydocs.ErrBadRequest, firstLine(verr.Error()))
		}
		return relaydocs.TrackData{}, fmt.Errorf("%w: invalid callback payload", relaydocs.ErrBadRequest)
	}
	var data relaydocs.TrackData
	if err := json.Unmarshal(raw, &data); err != nil {
		return relaydocs.TrackData{}, fmt.Errorf("%w: invalid callback payload", relaydocs.ErrBadRequest)
	}
	return data, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
