package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lagren/vpsguard/expiry"
	"github.com/lagren/vpsguard/persistence"
)

type machineSummary struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	Ops          string `json:"ops"`
	CreationDate string `json:"creation_date"`
	Expiry       string `json:"expiry"`
	ExpiresIn    string `json:"expires_in"`
	Location     string `json:"location"`
	UpdateTime   string `json:"update_time"`
	State        int    `json:"state"`
	ExpiryISO    string `json:"expiry_iso"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Could not write response: %s", err)
	}
}

func addHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := store.Create(r.Context(), r.FormValue("name"), r.FormValue("ops"), r.FormValue("cookie"))
		if err != nil {
			logrus.Errorf("Could not create monitor: %s", err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "create failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"msg": "created", "id": v.ID})
	}
}

// selectHandler lists the fleet with the resolved expiry. A freshly resolved
// instant that disagrees with the cached one is persisted on the way out.
func selectHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := store.List(r.Context())
		if err != nil {
			logrus.Errorf("Could not list monitors: %s", err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "query failed"})
			return
		}
		if len(list) == 0 {
			writeJSON(w, http.StatusOK, map[string]interface{}{"msg": nil})
			return
		}

		rows := make([]machineSummary, 0, len(list))
		for i := range list {
			vps := &list[i]
			res := expiry.Resolve(vps.CreationDate, vps.ValidUntil, vps.ExpiryUTC)
			if res.ISO != "" && res.ISO != vps.ExpiryUTC {
				if err := store.UpdateExpiry(r.Context(), vps.ID, res.ISO); err != nil {
					logrus.Errorf("Failed to update cached expiry for VPS %d: %s", vps.ID, err)
				}
			}

			row := machineSummary{
				ID:           vps.ID,
				Name:         vps.Name,
				Ops:          vps.Ops,
				CreationDate: vps.CreationDate,
				Expiry:       "—",
				Location:     vps.Location,
				UpdateTime:   vps.UpdateTime,
				State:        vps.State,
				ExpiryISO:    res.ISO,
			}
			if res.Known() {
				row.Expiry = res.Display
				row.ExpiresIn = humanize.Time(res.Instant)
			}
			rows = append(rows, row)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"msg": rows})
	}
}

func selectByIDHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r.FormValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"msg": "invalid monitor id"})
			return
		}
		vps, err := store.Get(r.Context(), id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"msg": "no such monitor"})
			return
		}
		if err != nil {
			logrus.Errorf("Failed to query monitor details for id %d: %s", id, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "query failed"})
			return
		}

		res := expiry.Resolve(vps.CreationDate, vps.ValidUntil, vps.ExpiryUTC)
		detail := map[string]interface{}{
			"id":            vps.ID,
			"name":          vps.Name,
			"ops":           vps.Ops,
			"cookie":        vps.Cookie,
			"creation_date": vps.CreationDate,
			"valid_until":   vps.ValidUntil,
			"location":      vps.Location,
			"ipv6":          vps.IPv6,
			"ram":           vps.RAM,
			"disk_total":    vps.DiskTotal,
			"update_time":   vps.UpdateTime,
			"state":         vps.State,
			"expiry_utc":    vps.ExpiryUTC,
		}
		if res.Known() {
			detail["expiry_display"] = res.Display
			detail["expires_in"] = humanize.Time(res.Instant)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"msg": detail})
	}
}

func modifyHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r.FormValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"msg": "invalid monitor id"})
			return
		}
		if err := store.Update(r.Context(), id, r.FormValue("name"), r.FormValue("ops"), r.FormValue("cookie")); err != nil {
			logrus.Errorf("Could not update monitor %d: %s", id, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "update failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"msg": "updated"})
	}
}

func deleteHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.FormValue("id"))
		if raw == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"msg": "delete failed, monitor id required"})
			return
		}
		id, err := parseID(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"msg": "delete failed, invalid monitor id"})
			return
		}
		affected, err := store.Delete(r.Context(), id)
		if err != nil {
			logrus.Errorf("Failed to delete VPS %d: %s", id, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "delete failed"})
			return
		}
		if affected == 0 {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"msg": "delete failed, no such monitor"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"msg": "deleted"})
	}
}

func checkPwdHandler(password string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if password != "" && r.FormValue("pwd") == password {
			writeJSON(w, http.StatusOK, map[string]interface{}{"msg": "success"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"msg": "reject"})
	}
}

// pendingNotificationsHandler is polled by the push delivery collaborator for
// due, undelivered notifications.
func pendingNotificationsHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		list, err := store.PendingNotifications(r.Context(), limit)
		if err != nil {
			logrus.Errorf("Could not list pending notifications: %s", err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "query failed"})
			return
		}

		out := make([]map[string]interface{}, 0, len(list))
		for _, n := range list {
			options := json.RawMessage(n.OptionsJSON)
			if !json.Valid(options) {
				options = json.RawMessage("{}")
			}
			out = append(out, map[string]interface{}{
				"id":        n.ID,
				"monitorId": n.MonitorID,
				"type":      n.Type,
				"title":     n.Title,
				"options":   options,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": out})
	}
}

func markDeliveredHandler(store *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			IDs []uint `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"msg": "invalid payload"})
			return
		}
		updated, err := store.MarkDelivered(r.Context(), payload.IDs)
		if err != nil {
			logrus.Errorf("Could not mark notifications delivered: %s", err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "update failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"updated": updated})
	}
}

func parseID(raw string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(n), nil
}
