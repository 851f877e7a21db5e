package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shipcore/groupcore/internal/wire"
)

// RequestTBS is the to-be-signed tuple for the unary RPCs that only bind
// the request to the acting device: RegisterGroupDevice and the
// read-only lookups. UploadKeyPackages uses UploadKeyPackagesTBS instead,
// since it additionally binds the uploaded packages.
type RequestTBS struct {
	UserID   uint64
	DeviceID string
}

func (tbs RequestTBS) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(tbs.UserID)
	w.PutBytes([]byte(tbs.DeviceID))
	return w.Bytes()
}

// UploadKeyPackagesTBS additionally binds the exact set of key packages
// being uploaded, so a man-in-the-middle can't swap in its own packages
// under a replayed signature.
type UploadKeyPackagesTBS struct {
	UserID      uint64
	DeviceID    string
	KeyPackages [][]byte
}

func (tbs UploadKeyPackagesTBS) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(tbs.UserID)
	w.PutBytes([]byte(tbs.DeviceID))
	w.PutUint32(uint32(len(tbs.KeyPackages)))
	for _, kp := range tbs.KeyPackages {
		w.PutBytes(kp)
	}
	return w.Bytes()
}

// registerGroupDeviceRequest is the body of RegisterGroupDevice.
type registerGroupDeviceRequest struct {
	UserID         uint64  `json:"user_id"`
	DeviceID       string  `json:"device_id"`
	LastResortKeyPackage []byte `json:"last_resort_key_package,omitempty"`
	Signature      []byte  `json:"signature"`
}

// RegisterGroupDevice registers this device's long-term identity with the
// backend, optionally seeding a last-resort key package that never gets
// consumed by an invite (used when every regular package has been used up).
func (c *Client) RegisterGroupDevice(ctx context.Context, lastResortKeyPackage []byte) error {
	sig, err := c.sign(RequestTBS{UserID: c.userID, DeviceID: c.deviceID}.Encode())
	if err != nil {
		return fmt.Errorf("sign register_group_device: %w", err)
	}
	req := registerGroupDeviceRequest{
		UserID:               c.userID,
		DeviceID:             c.deviceID,
		LastResortKeyPackage: lastResortKeyPackage,
		Signature:            sig,
	}
	return c.doJSON(ctx, "POST", "/devices/register", req, nil)
}

type uploadKeyPackagesRequest struct {
	UserID      uint64   `json:"user_id"`
	DeviceID    string   `json:"device_id"`
	KeyPackages [][]byte `json:"key_packages"`
	Signature   []byte   `json:"signature"`
}

// UploadKeyPackages publishes freshly minted key packages for this device
// to the backend's join material store.
func (c *Client) UploadKeyPackages(ctx context.Context, keyPackages [][]byte) error {
	sig, err := c.sign(UploadKeyPackagesTBS{UserID: c.userID, DeviceID: c.deviceID, KeyPackages: keyPackages}.Encode())
	if err != nil {
		return fmt.Errorf("sign upload_key_packages: %w", err)
	}
	req := uploadKeyPackagesRequest{
		UserID:      c.userID,
		DeviceID:    c.deviceID,
		KeyPackages: keyPackages,
		Signature:   sig,
	}
	return c.doJSON(ctx, "POST", "/devices/key_packages", req, nil)
}

type userCredentialRequest struct {
	UserID    uint64 `json:"user_id"`
	Target    uint64 `json:"target_user_id"`
	Signature []byte `json:"signature"`
}

type userCredentialResponse struct {
	Credential []byte `json:"credential"`
}

// GetUserCredential fetches the account-level AccountCredential bytes
// for target, to be decoded with identity.DecodeAccountCredential.
func (c *Client) GetUserCredential(ctx context.Context, target uint64) ([]byte, error) {
	sig, err := c.sign(RequestTBS{UserID: c.userID, DeviceID: c.deviceID}.Encode())
	if err != nil {
		return nil, fmt.Errorf("sign get_user_credential: %w", err)
	}
	var resp userCredentialResponse
	req := userCredentialRequest{UserID: c.userID, Target: target, Signature: sig}
	if err := c.doJSON(ctx, "POST", "/users/credential", req, &resp); err != nil {
		return nil, err
	}
	return resp.Credential, nil
}

type userKeyPackagesRequest struct {
	UserID    uint64 `json:"user_id"`
	Target    uint64 `json:"target_user_id"`
	Signature []byte `json:"signature"`
}

type userKeyPackagesResponse struct {
	KeyPackages [][]byte `json:"key_packages"`
}

// GetUserKeyPackages fetches one unused key package per active device of
// target, for building an invite commit that adds every one of their
// devices at once.
func (c *Client) GetUserKeyPackages(ctx context.Context, target uint64) ([][]byte, error) {
	sig, err := c.sign(RequestTBS{UserID: c.userID, DeviceID: c.deviceID}.Encode())
	if err != nil {
		return nil, fmt.Errorf("sign get_user_key_packages: %w", err)
	}
	var resp userKeyPackagesResponse
	req := userKeyPackagesRequest{UserID: c.userID, Target: target, Signature: sig}
	if err := c.doJSON(ctx, "POST", "/users/key_packages", req, &resp); err != nil {
		return nil, err
	}
	return resp.KeyPackages, nil
}

type usersDevicesRequest struct {
	UserID    uint64   `json:"user_id"`
	Targets   []uint64 `json:"target_user_ids"`
	Signature []byte   `json:"signature"`
}

type usersDevicesResponse struct {
	Devices map[uint64][]string `json:"devices"`
}

// GetUsersDevices fetches the device id list registered to each of
// targets, used before building an AddUser commit to enumerate which
// devices need key packages.
func (c *Client) GetUsersDevices(ctx context.Context, targets []uint64) (map[uint64][]string, error) {
	sig, err := c.sign(RequestTBS{UserID: c.userID, DeviceID: c.deviceID}.Encode())
	if err != nil {
		return nil, fmt.Errorf("sign get_users_devices: %w", err)
	}
	var resp usersDevicesResponse
	req := usersDevicesRequest{UserID: c.userID, Targets: targets, Signature: sig}
	if err := c.doJSON(ctx, "POST", "/users/devices", req, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

type deviceKeyPackageRequest struct {
	UserID         uint64 `json:"user_id"`
	TargetUserID   uint64 `json:"target_user_id"`
	TargetDeviceID string `json:"target_device_id"`
	Signature      []byte `json:"signature"`
}

type deviceKeyPackageResponse struct {
	KeyPackage []byte `json:"key_package"`
}

// GetDeviceKeyPackage fetches one unused key package for a single named
// device, for adding exactly that device rather than a whole account.
func (c *Client) GetDeviceKeyPackage(ctx context.Context, targetUserID uint64, targetDeviceID string) ([]byte, error) {
	sig, err := c.sign(RequestTBS{UserID: c.userID, DeviceID: c.deviceID}.Encode())
	if err != nil {
		return nil, fmt.Errorf("sign get_device_key_package: %w", err)
	}
	var resp deviceKeyPackageResponse
	req := deviceKeyPackageRequest{
		UserID:         c.userID,
		TargetUserID:   targetUserID,
		TargetDeviceID: targetDeviceID,
		Signature:      sig,
	}
	if err := c.doJSON(ctx, "POST", "/devices/key_package", req, &resp); err != nil {
		return nil, err
	}
	return resp.KeyPackage, nil
}

// doJSON performs one unary RPC over plain HTTP POST/JSON, matching the
// teacher SDK's Client.request helper: marshal the body, set bearer auth
// plus content type, decode the response into result if given.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &RPCError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

// RPCError is returned for a non-2xx unary RPC response.
type RPCError struct {
	StatusCode int
	Body       string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("delivery: rpc error %d: %s", e.StatusCode, e.Body)
}
