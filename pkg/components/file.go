package components

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// File implements P/file/{write,read,remove}/<path...>, rooted under
// file_system_root and enforcing file_write_max_bytes, file_storage_quota_bytes,
// and allow_non_tmp_paths (SPEC_FULL.md component inventory).
type File struct {
	sender           Sender
	pub              dispatch.Publisher
	state            *runtimestate.State
	root             string
	writeMaxBytes    int
	storageQuota     int64
	allowNonTmpPaths bool
	prefix           string
}

// NewFile returns a File component rooted at root.
func NewFile(sender Sender, pub dispatch.Publisher, state *runtimestate.State, root string, writeMaxBytes int, storageQuota int64, allowNonTmpPaths bool, prefix string) *File {
	return &File{
		sender: sender, pub: pub, state: state,
		root: root, writeMaxBytes: writeMaxBytes, storageQuota: storageQuota,
		allowNonTmpPaths: allowNonTmpPaths, prefix: prefix,
	}
}

func (f *File) Name() string { return "file" }

func (f *File) HandleMCU(commandID uint16, payload []byte) error {
	if proto.Command(commandID) != proto.CmdFileReadResp {
		return ErrUnexpectedFrame
	}
	// Orphan read responses are routed to the flow controller already;
	// this path exists only in case a future command variant bypasses it.
	return nil
}

func (f *File) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) < 2 {
		return fmt.Errorf("file: topic too short: %v", route.Segments)
	}
	action := route.Segments[0]
	rawPath := strings.Join(route.Segments[1:], "/")

	resolved, err := f.resolve(rawPath)
	if err != nil {
		return err
	}

	switch action {
	case "write":
		return f.write(resolved, payload)
	case "read":
		return f.read(resolved, route, reply)
	case "remove":
		return f.remove(resolved)
	default:
		return fmt.Errorf("file: unknown action %q", action)
	}
}

// resolve enforces file_system_root containment and allow_non_tmp_paths
// (spec.md §7 "Resource" / "Validation" taxonomy).
func (f *File) resolve(rawPath string) (string, error) {
	cleaned := filepath.Clean("/" + rawPath)
	if !f.allowNonTmpPaths && !strings.HasPrefix(cleaned, "/tmp") {
		cleaned = filepath.Join("/tmp", cleaned)
	}
	full := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(f.root)+string(filepath.Separator)) && full != filepath.Clean(f.root) {
		return "", fmt.Errorf("file: path %q escapes file_system_root", rawPath)
	}
	return full, nil
}

func (f *File) write(path string, data []byte) error {
	if len(data) > f.writeMaxBytes {
		return fmt.Errorf("file: write of %d bytes exceeds file_write_max_bytes %d", len(data), f.writeMaxBytes)
	}
	if f.storageQuota > 0 {
		used := f.state.FileStorageUsage()
		if used+int64(len(data)) > f.storageQuota {
			f.state.IncMQTTQueueDrops() // best-effort signal; a dedicated quota counter isn't modeled separately
			return fmt.Errorf("file: write would exceed file_storage_quota_bytes")
		}
	}

	relPath := []byte(path)
	frame := make([]byte, 0, 1+len(relPath)+len(data))
	frame = append(frame, byte(len(relPath)))
	frame = append(frame, relPath...)
	frame = append(frame, data...)

	commandID := uint16(proto.CmdFileWrite)
	body := frame
	if proto.ShouldCompress(frame) {
		compressed := proto.RLEEncode(frame)
		if len(compressed) < len(frame) {
			body = compressed
			commandID |= proto.CompressedFlag
		}
	}

	ctx, cancel := withTimeout()
	defer cancel()
	_, err := f.sender.Send(ctx, commandID, body, flow.Options{})
	if err == nil {
		f.state.AddFileStorageUsage(int64(len(data)))
	}
	return err
}

func (f *File) read(path string, route dispatch.Route, reply dispatch.ReplyContext) error {
	relPath := []byte(path)
	payload := make([]byte, 0, 1+len(relPath))
	payload = append(payload, byte(len(relPath)))
	payload = append(payload, relPath...)

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := f.sender.Send(ctx, uint16(proto.CmdFileRead), payload, flow.Options{})
	if err != nil {
		return err
	}
	topic := replyTopic(reply, fmt.Sprintf("%s/file/read/%s/value", f.prefix, strings.Join(route.Segments[1:], "/")))
	publish(f.pub, topic, resp, reply)
	return nil
}

func (f *File) remove(path string) error {
	relPath := []byte(path)
	ctx, cancel := withTimeout()
	defer cancel()
	_, err := f.sender.Send(ctx, uint16(proto.CmdFileRemove), relPath, flow.Options{})
	return err
}
