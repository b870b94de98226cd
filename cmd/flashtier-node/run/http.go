/*
   Copyright @ 2022 The flashtier Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package run

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashtier-io/flashtier/pkg/metrics"
	"github.com/flashtier-io/flashtier/pkg/registration"
	"github.com/flashtier-io/flashtier/pkg/registry"
	"github.com/flashtier-io/flashtier/pkg/superblock"
	"github.com/flashtier-io/flashtier/utils/log"
)

var (
	coordinator *registration.Coordinator
	cachesets   *registry.Registry
)

type eHTTPServer struct {
	e        *echo.Echo
	stopChan <-chan struct{}
}

func newHTTPServer(c *registration.Coordinator, reg *registry.Registry, stopChan <-chan struct{}) *eHTTPServer {
	coordinator = c
	cachesets = reg
	e := echo.New()
	e.HideBanner = true
	e.POST("/register", registerDevice)
	e.GET("/cachesets", cachesetList)
	e.GET("/devices", deviceList)
	e.DELETE("/cachesets/:set/devices/:dev", unregisterDevice)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &eHTTPServer{
		e:        e,
		stopChan: stopChan,
	}
}

func (h *eHTTPServer) start() {
	go func() {
		<-h.stopChan
		coordinator = nil
		cachesets = nil
		_ = h.e.Close()
	}()
	go func() {
		if err := h.e.Start(config.httpAddr); err != nil {
			log.Infof("http server stopped: %v", err)
		}
	}()
}

// registerRequest is the transport view of a registration: a device name
// and, for the unformatted path, the descriptor bytes in the on-disk
// layout, base64 encoded. Both paths end up in the same Register call.
type registerRequest struct {
	Device     string `json:"device"`
	Superblock string `json:"superblock,omitempty"`
}

type failureResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func registerDevice(c echo.Context) error {
	req := new(registerRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, failureResponse{Kind: "BadRequest", Message: err.Error()})
	}

	var inline *superblock.Superblock
	if req.Superblock != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Superblock)
		if err != nil {
			return c.JSON(http.StatusBadRequest, failureResponse{Kind: "BadRequest", Message: err.Error()})
		}
		// the inline descriptor goes through the identical decode gates
		// as on-disk bytes, only the source differs
		if inline, err = superblock.Decode(raw); err != nil {
			return registrationFailure(c, err)
		}
	}

	result, err := coordinator.Register(c.Request().Context(), req.Device, inline)
	if err != nil {
		return registrationFailure(c, err)
	}
	metrics.RegistrationsTotal.WithLabelValues("success", "").Inc()
	return c.JSON(http.StatusOK, result)
}

func registrationFailure(c echo.Context, err error) error {
	var re *registration.Error
	if !errors.As(err, &re) {
		re = &registration.Error{Kind: registration.KindDeviceError, Message: err.Error()}
	}
	metrics.RegistrationsTotal.WithLabelValues("failure", string(re.Kind)).Inc()
	// failures surface kind and message verbatim
	return c.JSON(failureStatus(re.Kind), failureResponse{Kind: string(re.Kind), Message: re.Message})
}

func failureStatus(kind registration.FailureKind) int {
	switch kind {
	case registration.KindDecodeError, registration.KindValidationError:
		return http.StatusBadRequest
	case registration.KindAlreadyClaimed, registration.KindGroupMismatch, registration.KindDuplicateDevice:
		return http.StatusConflict
	case registration.KindAssemblyTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func cachesetList(c echo.Context) error {
	return c.JSON(http.StatusOK, cachesets.Snapshot())
}

func deviceList(c echo.Context) error {
	devices := []registry.MemberInfo{}
	for _, set := range cachesets.Snapshot() {
		devices = append(devices, set.Members...)
	}
	return c.JSON(http.StatusOK, devices)
}

func unregisterDevice(c echo.Context) error {
	setUUID, err := uuid.Parse(c.Param("set"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, failureResponse{Kind: "BadRequest", Message: err.Error()})
	}
	deviceUUID, err := uuid.Parse(c.Param("dev"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, failureResponse{Kind: "BadRequest", Message: err.Error()})
	}
	if err := coordinator.Unregister(setUUID, deviceUUID); err != nil {
		var re *registration.Error
		if errors.As(err, &re) {
			return c.JSON(http.StatusNotFound, failureResponse{Kind: string(re.Kind), Message: re.Message})
		}
		return c.JSON(http.StatusInternalServerError, failureResponse{Kind: "Internal", Message: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
