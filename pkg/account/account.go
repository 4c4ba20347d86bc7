// Package account reconciles UNIX user and group accounts, and their
// SSH authorized_keys files, against records retrieved from the
// controller. It never deletes accounts and never changes an existing
// account's UID or GID.
package account

// Accounts is the full set of users and groups the controller wants
// configured on this node. It is rebuilt in full on every reload; it is
// never partially mutated.
type Accounts struct {
	Users  map[string]*User
	Groups map[string]*Group
}

// NewAccounts returns an empty Accounts record.
func NewAccounts() *Accounts {
	return &Accounts{
		Users:  make(map[string]*User),
		Groups: make(map[string]*Group),
	}
}

// User is one UNIX account the controller wants present.
type User struct {
	Login string
	UID   uint16
	GID   uint16

	// Root reports whether the account should be a member of the
	// node's admin group.
	Root bool

	Home string

	// SSHKeys is the ordered list of authorized_keys lines.
	SSHKeys []string

	// Shell is the preferred login shell's basename (e.g. "bash"), not
	// yet resolved to an absolute path.
	Shell string

	// Serial is an opaque token that changes whenever the controller's
	// record for this account changes. It is carried through but not
	// interpreted locally.
	Serial string
}

// NewUser constructs a User with the home directory and default shell
// the controller's convention implies; callers then set Root, Shell,
// and Home to override as the response dictates.
func NewUser(login string, uid, gid uint16, serial string) *User {
	return &User{
		Login:  login,
		UID:    uid,
		GID:    gid,
		Home:   "/users/" + login,
		Shell:  "bash",
		Serial: serial,
	}
}

// AddSSHKey appends one authorized_keys line.
func (u *User) AddSSHKey(key string) {
	u.SSHKeys = append(u.SSHKeys, key)
}

// Group is one UNIX group the controller wants present.
type Group struct {
	Name string
	GID  uint16
}

// NewGroup constructs a Group.
func NewGroup(name string, gid uint16) *Group {
	return &Group{Name: name, GID: gid}
}
