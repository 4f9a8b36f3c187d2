package app

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/platforminfo"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Controller serves the persisted pairing state. It never unseals the blob.
type Controller struct {
	store           storage.Store
	platformInfoKey *ecdsa.PublicKey
	logger          *zerolog.Logger
}

// NewController returns a controller reading from store.
func NewController(store storage.Store, platformInfoKey *ecdsa.PublicKey, logger *zerolog.Logger) *Controller {
	return &Controller{store: store, platformInfoKey: platformInfoKey, logger: logger}
}

// PairingStatus is the plaintext metadata of the pairing blob.
type PairingStatus struct {
	InstanceID    string `json:"instanceId"`
	LocalSVN      uint16 `json:"localSvn"`
	RemoteSVN     uint16 `json:"remoteSvn"`
	RemoteGID     string `json:"remoteGid"`
	SigRLVersion  uint32 `json:"sigRlVersion"`
	PrivRLVersion uint32 `json:"privRlVersion"`
}

// CertificateInfo describes one certificate of the verifier chain.
type CertificateInfo struct {
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	Serial     string    `json:"serial"`
	NotAfter   time.Time `json:"notAfter"`
	OCSPServer []string  `json:"ocspServer,omitempty"`
}

func (c *Controller) read(key, what string) ([]byte, error) {
	raw, err := c.store.Read(key)
	if errors.Is(err, status.ErrNotFound) {
		return nil, fiber.NewError(fiber.StatusNotFound, "No "+what+" stored")
	}
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to read store.")
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Failed to read "+what)
	}
	return raw, nil
}

// GetPairing returns the pairing blob metadata.
func (c *Controller) GetPairing(ctx *fiber.Ctx) error {
	blob, err := c.read(storage.KeyPairingBlob, "pairing blob")
	if err != nil {
		return err
	}
	md, err := sealing.ReadMetadata(blob)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read pairing metadata.")
		return fiber.NewError(fiber.StatusInternalServerError, "Pairing blob is unreadable")
	}
	return ctx.JSON(PairingStatus{
		InstanceID:    sealing.InstanceID(md).String(),
		LocalSVN:      md.LocalSVN,
		RemoteSVN:     md.RemoteSVN,
		RemoteGID:     md.RemoteGID.String(),
		SigRLVersion:  md.SigRLVersion,
		PrivRLVersion: md.PrivRLVersion,
	})
}

// GetCertificates returns the verifier chain, root first.
func (c *Controller) GetCertificates(ctx *fiber.Ctx) error {
	chain, err := storage.LoadChain(c.store)
	if errors.Is(err, status.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "No certificate chain stored")
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to load certificate chain.")
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to load certificate chain")
	}
	out := make([]CertificateInfo, 0, len(chain))
	for _, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "Stored certificate is unreadable")
		}
		out = append(out, CertificateInfo{
			Subject:    cert.Subject.String(),
			Issuer:     cert.Issuer.String(),
			Serial:     cert.SerialNumber.String(),
			NotAfter:   cert.NotAfter,
			OCSPServer: cert.OCSPServer,
		})
	}
	return ctx.JSON(out)
}

// GetPlatformInfo returns the evaluation of the last platform info advisory.
func (c *Controller) GetPlatformInfo(ctx *fiber.Ctx) error {
	raw, err := c.read(storage.KeyPlatformInfo, "platform info")
	if err != nil {
		return err
	}
	return ctx.JSON(platforminfo.Verify(raw, c.platformInfoKey).Summary())
}
