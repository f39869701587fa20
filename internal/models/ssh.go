package models

// SSHConfig holds the connection settings for a remote display host.
type SSHConfig struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte // loaded from file path
	KeyPath    string // path to key file
}

// SSHResult holds the result of a remote command.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
