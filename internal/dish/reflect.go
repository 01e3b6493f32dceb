package dish

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// resolveSymbol fetches the file defining symbol, and every file it depends
// on, through the server reflection API and builds a registry from them.
func resolveSymbol(ctx context.Context, conn grpc.ClientConnInterface, symbol string) (*protoregistry.Files, error) {
	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening reflection stream: %w", err)
	}
	defer stream.CloseSend()

	fetched := make(map[string]*descriptorpb.FileDescriptorProto)
	add := func(resp *reflectionpb.ServerReflectionResponse) error {
		if e := resp.GetErrorResponse(); e != nil {
			return fmt.Errorf("reflection error %d: %s", e.GetErrorCode(), e.GetErrorMessage())
		}
		fdr := resp.GetFileDescriptorResponse()
		if fdr == nil {
			return errors.New("reflection response has no file descriptors")
		}
		for _, raw := range fdr.GetFileDescriptorProto() {
			fdp := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fdp); err != nil {
				return fmt.Errorf("decoding file descriptor: %w", err)
			}
			fetched[fdp.GetName()] = fdp
		}
		return nil
	}

	req := &reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: symbol},
	}
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("sending reflection request: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("receiving reflection response: %w", err)
	}
	if err := add(resp); err != nil {
		return nil, err
	}

	// Servers usually send the transitive closure; ask for anything missing.
	for {
		missing := missingDependencies(fetched)
		if len(missing) == 0 {
			break
		}
		for _, name := range missing {
			req := &reflectionpb.ServerReflectionRequest{
				MessageRequest: &reflectionpb.ServerReflectionRequest_FileByFilename{FileByFilename: name},
			}
			if err := stream.Send(req); err != nil {
				return nil, fmt.Errorf("sending reflection request for %s: %w", name, err)
			}
			resp, err := stream.Recv()
			if err != nil {
				return nil, fmt.Errorf("receiving reflection response for %s: %w", name, err)
			}
			if err := add(resp); err != nil {
				return nil, fmt.Errorf("fetching %s: %w", name, err)
			}
			if _, ok := fetched[name]; !ok {
				return nil, fmt.Errorf("server did not return %s", name)
			}
		}
	}

	return buildFiles(fetched)
}

// missingDependencies lists imports that are neither fetched nor available
// from the linked-in well-known types.
func missingDependencies(fetched map[string]*descriptorpb.FileDescriptorProto) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, fdp := range fetched {
		for _, dep := range fdp.GetDependency() {
			if _, ok := fetched[dep]; ok || seen[dep] {
				continue
			}
			if _, err := protoregistry.GlobalFiles.FindFileByPath(dep); err == nil {
				continue
			}
			seen[dep] = true
			missing = append(missing, dep)
		}
	}
	return missing
}

// buildFiles registers file descriptors in dependency order.
func buildFiles(fetched map[string]*descriptorpb.FileDescriptorProto) (*protoregistry.Files, error) {
	files := new(protoregistry.Files)
	pending := make(map[string]*descriptorpb.FileDescriptorProto, len(fetched))
	for name, fdp := range fetched {
		pending[name] = fdp
	}

	for len(pending) > 0 {
		progress := false
		for name, fdp := range pending {
			if _, err := files.FindFileByPath(name); err == nil {
				delete(pending, name)
				progress = true
				continue
			}
			if !dependenciesReady(files, pending, fdp) {
				continue
			}
			fd, err := protodesc.NewFile(fdp, files)
			if err != nil {
				return nil, fmt.Errorf("building %s: %w", name, err)
			}
			if err := files.RegisterFile(fd); err != nil {
				return nil, fmt.Errorf("registering %s: %w", name, err)
			}
			delete(pending, name)
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("unresolvable dependencies among %d files", len(pending))
		}
	}
	return files, nil
}

// dependenciesReady reports whether all imports of fdp are registered,
// copying linked-in well-known types into files when the server did not send
// them.
func dependenciesReady(files *protoregistry.Files, pending map[string]*descriptorpb.FileDescriptorProto, fdp *descriptorpb.FileDescriptorProto) bool {
	for _, dep := range fdp.GetDependency() {
		if _, err := files.FindFileByPath(dep); err == nil {
			continue
		}
		if _, ok := pending[dep]; ok {
			return false
		}
		fd, err := protoregistry.GlobalFiles.FindFileByPath(dep)
		if err != nil {
			return false
		}
		if err := files.RegisterFile(fd); err != nil {
			return false
		}
	}
	return true
}
