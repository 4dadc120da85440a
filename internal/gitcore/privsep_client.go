package gitcore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/privsep"
)

// Worker binary names.
const (
	workerReadObject = "gitsend-read-object"
	workerReadCommit = "gitsend-read-commit"
	workerGitconfig  = "gitsend-read-gitconfig"
)

// child returns the running worker of the given name, starting it on
// first use. Caller must hold r.mu.
func (r *Repository) child(name string) (*privsep.Child, error) {
	if ch, ok := r.children[name]; ok {
		return ch, nil
	}
	ch, err := privsep.Start(r.opts.LibexecDir, name)
	if err != nil {
		return nil, err
	}
	r.children[name] = ch
	return ch, nil
}

// readRawObjectPrivsep hands the open loose-object descriptor to the
// read-object worker. Small payloads come back inline; larger ones are
// written by the worker to a parent-supplied spill file.
func (r *Repository) readRawObjectPrivsep(f *os.File, id Hash) (*RawObject, error) {
	r.mu.Lock()
	ch, err := r.child(workerReadObject)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	spill, err := os.CreateTemp("", "gitsend-raw-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(spill.Name())
	defer spill.Close()

	if err := ch.Conn.Send(&privsep.Msg{
		Type: privsep.MsgRawObjectOutFD,
		File: spill,
	}); err != nil {
		return nil, err
	}

	raw, err := id.Bytes()
	if err != nil {
		return nil, err
	}
	req := privsep.ObjectRequest{ID: raw}
	if err := ch.Conn.Send(&privsep.Msg{
		Type: privsep.MsgRawObjectRequest,
		Data: req.Marshal(),
		File: f,
	}); err != nil {
		return nil, err
	}

	m, err := ch.Conn.RecvExpect(privsep.MsgRawObject)
	if err != nil {
		return nil, err
	}
	reply, err := privsep.UnmarshalRawObjectReply(m.Data)
	if err != nil {
		return nil, err
	}

	ro := &RawObject{
		ID:     id,
		Kind:   ObjectType(reply.Kind),
		Size:   reply.Size,
		HdrLen: int(reply.HdrLen),
		Data:   reply.Data,
	}
	if len(ro.Data) == 0 && ro.Size > 0 {
		if _, err := spill.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		data, err := io.ReadAll(spill)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != ro.Size {
			return nil, fmt.Errorf("%w: spill file size mismatch", giterr.ErrPrivsepLen)
		}
		ro.Data = data
	}
	return ro, nil
}

// getCommitPrivsep opens the loose commit file and hands it to the
// read-commit worker. A missing loose file is reported as os.ErrNotExist
// so the caller can fall back to the packed store.
func (r *Repository) getCommitPrivsep(id Hash) (*Commit, error) {
	f, err := os.Open(filepath.Join(r.gitDir, looseObjectPath(id)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r.mu.Lock()
	ch, err := r.child(workerReadCommit)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	raw, err := id.Bytes()
	if err != nil {
		return nil, err
	}
	req := privsep.ObjectRequest{ID: raw}
	if err := ch.Conn.Send(&privsep.Msg{
		Type: privsep.MsgCommitRequest,
		Data: req.Marshal(),
		File: f,
	}); err != nil {
		return nil, err
	}

	m, err := ch.Conn.RecvExpect(privsep.MsgCommit)
	if err != nil {
		return nil, err
	}
	reply, err := privsep.UnmarshalCommitReply(m.Data)
	if err != nil {
		return nil, err
	}

	commit := &Commit{
		ID:      id,
		Tree:    NewHashFromBytes(reply.Tree),
		Message: reply.Message,
	}
	for _, p := range reply.Parents {
		commit.Parents = append(commit.Parents, NewHashFromBytes(p))
	}
	if commit.Author, err = NewSignature(reply.Author); err != nil {
		return nil, err
	}
	if commit.Committer, err = NewSignature(reply.Committer); err != nil {
		return nil, err
	}
	return commit, nil
}

// parseGitconfigPrivsep hands the config descriptor to the gitconfig
// worker and collects the streamed values.
func (r *Repository) parseGitconfigPrivsep(path string) (version int, extensions []string, author string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, "", err
	}
	defer f.Close()

	r.mu.Lock()
	ch, err := r.child(workerGitconfig)
	r.mu.Unlock()
	if err != nil {
		return 0, nil, "", err
	}

	if err := ch.Conn.Send(&privsep.Msg{
		Type: privsep.MsgGitconfigParseRequest,
		File: f,
	}); err != nil {
		return 0, nil, "", err
	}

	for {
		m, err := ch.Conn.Recv()
		if err != nil {
			return 0, nil, "", err
		}
		switch m.Type {
		case privsep.MsgGitconfigRepoFormatVersion:
			v, err := privsep.UnmarshalGitconfigInt(m.Data)
			if err != nil {
				return 0, nil, "", err
			}
			version = int(v.Value)
		case privsep.MsgGitconfigExtensions:
			l, err := privsep.UnmarshalStringList(m.Data)
			if err != nil {
				return 0, nil, "", err
			}
			extensions = l.Values
		case privsep.MsgGitconfigAuthor:
			author = string(m.Data)
		case privsep.MsgGitconfigDone:
			return version, extensions, author, nil
		case privsep.MsgError:
			return 0, nil, "", fmt.Errorf("%w: %s", giterr.ErrPrivsepMsg, string(m.Data))
		default:
			return 0, nil, "", giterr.ErrPrivsepMsg
		}
	}
}
