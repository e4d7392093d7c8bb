package feedsim

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"emconsole/cmd/internal/restapi"
	v1 "emconsole/shared/contracts/feed/v1"
)

// User is an account known to the simulated auth service.
type User struct {
	ID           string
	Username     string
	Role         v1.Role
	PasswordHash string
}

// Directory holds the simulated users, devices, and device assignments.
type Directory struct {
	mu      sync.RWMutex
	users   map[string]User // by username
	devices []restapi.Device
	owners  map[string]string // device id -> user id
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:  make(map[string]User),
		owners: make(map[string]string),
	}
}

// StableID derives a deterministic UUID from name so seeded data survives restarts.
func StableID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("emconsole:"+name)).String()
}

// SeedDirectory returns the directory `emconsole simulate` starts with: an admin,
// a client, and two devices assigned to the client.
func SeedDirectory() *Directory {
	d := NewDirectory()
	admin := User{ID: StableID("user/admin"), Username: "admin", Role: v1.RoleAdmin}
	client := User{ID: StableID("user/client"), Username: "client", Role: v1.RoleClient}
	_ = d.AddUser(admin, "admin")
	_ = d.AddUser(client, "client")

	max1, max2 := 2.5, 4.0
	_ = d.AddDevice(restapi.Device{ID: StableID("device/heat-pump"), Name: "Heat pump", Description: "Basement", MaxConsumption: &max1}, client.ID)
	_ = d.AddDevice(restapi.Device{ID: StableID("device/ev-charger"), Name: "EV charger", Description: "Garage", MaxConsumption: &max2}, client.ID)
	return d
}

// AddUser registers u with password, stored as an Argon2id hash. A missing ID gets
// a random UUID.
func (d *Directory) AddUser(u User, password string) error {
	if u.Username == "" {
		return errors.New("missing username")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, err := v1.ParseRole(string(u.Role)); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Username] = u
	return nil
}

// AddDevice registers dev, assigned to ownerID when non-empty.
func (d *Directory) AddDevice(dev restapi.Device, ownerID string) error {
	if dev.ID == "" {
		dev.ID = uuid.NewString()
	}
	if dev.Name == "" {
		return errors.New("missing device name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices, dev)
	if ownerID != "" {
		d.owners[dev.ID] = ownerID
	}
	return nil
}

// Authenticate checks credentials.
func (d *Directory) Authenticate(username, password string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	if !ok {
		return User{}, false
	}
	match, err := VerifyPassword(u.PasswordHash, password)
	if err != nil || !match {
		return User{}, false
	}
	return u, true
}

// Users lists every account.
func (d *Directory) Users() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	return out
}

// Devices lists every device.
func (d *Directory) Devices() []restapi.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]restapi.Device(nil), d.devices...)
}

// DevicesOf lists the devices assigned to userID.
func (d *Directory) DevicesOf(userID string) []restapi.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []restapi.Device{}
	for _, dev := range d.devices {
		if d.owners[dev.ID] == userID {
			out = append(out, dev)
		}
	}
	return out
}
