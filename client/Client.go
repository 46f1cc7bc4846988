package client

import (
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client issues read and write requests to one server, or to an intermediary in front of it
type Client struct {
	ServerAddr *net.UDPAddr
	Network    string
	Transfer   shared.TransferConfig
}

func NewClient(serverAddr *net.UDPAddr, cfg *shared.Config, log *logrus.Entry) *Client {
	tc := cfg.TransferConfig()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tc.Log = log.WithField("role", "client")
	return &Client{ServerAddr: serverAddr, Network: cfg.Network(), Transfer: tc}
}

// Get reads filename from the server into sink
func (c *Client) Get(filename, mode string, sink io.Writer) error {
	req, err := request(true, filename, mode)
	if err != nil {
		return err
	}

	t, err := c.dial()
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Get(shared.DecodeMode(req.Mode, sink), req); err != nil {
		return errors.Wrapf(err, "reading %s", filename)
	}
	t.Log().Infof("%s has been fully transferred", filename)
	return nil
}

// Put writes the contents of src to filename on the server
func (c *Client) Put(filename, mode string, src io.Reader) error {
	req, err := request(false, filename, mode)
	if err != nil {
		return err
	}

	t, err := c.dial()
	if err != nil {
		return err
	}
	defer t.Close()

	r := shared.EncodeMode(req.Mode, src)
	defer r.Close()

	if err := t.Put(r, req); err != nil {
		return errors.Wrapf(err, "writing %s", filename)
	}
	t.Log().Infof("%s has been fully transferred", filename)
	return nil
}

// GetFile downloads remote into the local path. The file is received next to local and
// renamed over it only once complete, so a failed transfer leaves local as it was.
func (c *Client) GetFile(remote, local, mode string) error {
	f, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return errors.Wrap(err, "creating local file")
	}
	tmp := f.Name()

	err = c.Get(remote, mode, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "closing local file")
	}
	if err == nil {
		err = errors.Wrap(os.Chmod(tmp, 0644), "setting file mode")
	}
	if err == nil {
		err = errors.Wrap(os.Rename(tmp, local), "replacing local file")
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// PutFile uploads the local file, named remote on the server (its base name when empty)
func (c *Client) PutFile(local, remote, mode string) error {
	f, err := os.Open(local)
	if err != nil {
		return errors.Wrap(err, "opening local file")
	}
	defer f.Close()

	if remote == "" {
		remote = filepath.Base(local)
	}
	return c.Put(remote, mode, f)
}

func (c *Client) dial() (*shared.Transfer, error) {
	conn, err := net.ListenUDP(c.Network, &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "opening client socket")
	}
	return shared.NewTransfer(conn, c.ServerAddr, false, c.Transfer), nil
}

func request(isRRQ bool, filename, mode string) (*shared.RRQWRQPacket, error) {
	if filename == "" {
		return nil, errors.New("a filename is required")
	}
	for i := 0; i < len(filename); i++ {
		if !shared.IsPrintable(filename[i]) {
			return nil, errors.Errorf("filename %q must be printable ASCII", filename)
		}
	}
	normalized, ok := shared.NormalizeMode(mode)
	if !ok {
		return nil, errors.Errorf("mode %q is not netascii or octet", mode)
	}
	return shared.CreateRRQWRQPacket(isRRQ, filename, normalized), nil
}
