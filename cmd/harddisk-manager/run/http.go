/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

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
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stbox/harddisk/pkg/devicemanager"
	"github.com/stbox/harddisk/pkg/devicemanager/harddisk"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/log"
)

// diskManager the DiskManager queries served over HTTP
type diskManager interface {
	Disk(name string) (*harddisk.Harddisk, bool)
	HDDList() []devicemanager.HDDEntry
	Partitions() []*devicemanager.Partition
	GetMountedPartitions(onlyHotplug bool) []*devicemanager.Partition
	CD() string
	DevicesScannedOnInit() []types.ScannedDevice
}

type diskEntry struct {
	Label string `json:"label"`
	types.DiskInfo
}

type lifecycleResult struct {
	Device  string `json:"device"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type eHttpServer struct {
	e  *echo.Echo
	dm diskManager
}

func newHttpServer(dm diskManager, gatherer prometheus.Gatherer) *eHttpServer {
	h := &eHttpServer{e: echo.New(), dm: dm}
	h.e.HideBanner = true
	h.e.GET("/disks", h.diskList)
	h.e.GET("/disks/:device", h.diskInfo)
	h.e.POST("/disks/:device/initialize", h.initialize)
	h.e.POST("/disks/:device/check", h.check)
	h.e.GET("/partitions", h.partitionList)
	h.e.GET("/cdrom", h.cdrom)
	h.e.GET("/scanned", h.scanned)
	h.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return h
}

func (h *eHttpServer) start(ctx context.Context, addr string) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.e.Shutdown(shutdownCtx)
	}()
	if err := h.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("http server stopped: %v", err)
	}
}

func (h *eHttpServer) diskList(c echo.Context) error {
	entries := []diskEntry{}
	for _, hdd := range h.dm.HDDList() {
		entries = append(entries, diskEntry{Label: hdd.Label, DiskInfo: hdd.Disk.Info()})
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *eHttpServer) lookup(c echo.Context) (*harddisk.Harddisk, error) {
	hd, ok := h.dm.Disk(c.Param("device"))
	if !ok {
		return nil, c.JSON(http.StatusNotFound, "no such disk: "+c.Param("device"))
	}
	return hd, nil
}

func (h *eHttpServer) diskInfo(c echo.Context) error {
	hd, err := h.lookup(c)
	if hd == nil {
		return err
	}
	return c.JSON(http.StatusOK, hd.Info())
}

func (h *eHttpServer) initialize(c echo.Context) error {
	hd, err := h.lookup(c)
	if hd == nil {
		return err
	}
	return lifecycleResponse(c, hd.Device(), hd.Initialize())
}

func (h *eHttpServer) check(c echo.Context) error {
	hd, err := h.lookup(c)
	if hd == nil {
		return err
	}
	return lifecycleResponse(c, hd.Device(), hd.Check())
}

func lifecycleResponse(c echo.Context, device string, code int) error {
	status := http.StatusOK
	switch {
	case code == types.StatusBusy:
		status = http.StatusConflict
	case code != types.StatusOK:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, lifecycleResult{Device: device, Code: code, Message: types.StatusMessage(code)})
}

// partitionList ?mounted=true lists the mounted partitions only, ?onlyhotplug=true narrows it to hotplugged ones
func (h *eHttpServer) partitionList(c echo.Context) error {
	mounted, err := queryBool(c, "mounted")
	if err != nil {
		return c.JSON(http.StatusBadRequest, err.Error())
	}
	onlyHotplug, err := queryBool(c, "onlyhotplug")
	if err != nil {
		return c.JSON(http.StatusBadRequest, err.Error())
	}

	var parts []*devicemanager.Partition
	if mounted {
		parts = h.dm.GetMountedPartitions(onlyHotplug)
	} else {
		for _, p := range h.dm.Partitions() {
			if p.IsHotplug || !onlyHotplug {
				parts = append(parts, p)
			}
		}
	}
	infos := []types.PartitionInfo{}
	for _, p := range parts {
		infos = append(infos, p.Info())
	}
	return c.JSON(http.StatusOK, infos)
}

func queryBool(c echo.Context, name string) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (h *eHttpServer) cdrom(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"device": h.dm.CD()})
}

func (h *eHttpServer) scanned(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dm.DevicesScannedOnInit())
}
