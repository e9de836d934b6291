package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relayreport ingestion</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .panel { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px; }
    h1 { margin: 0; font-size: 1.5rem; }
    h2 { margin: 0 0 10px; font-size: 1.05rem; }
    .controls { display: flex; gap: 10px; margin-top: 10px; }
    .controls input { flex: 1; border: 1px solid var(--line); border-radius: 8px; padding: 8px; }
    button { border: 0; border-radius: 8px; padding: 8px 12px; background: var(--accent); color: #fff; cursor: pointer; }
    button.danger { background: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); vertical-align: top; }
    .mono { font-family: "JetBrains Mono", "SFMono-Regular", monospace; }
    .muted { color: var(--muted); }
    .err { color: var(--danger); }
  </style>
</head>
<body>
  <main class="shell">
    <section class="panel">
      <h1>Reporting ingestion</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="admin token" />
        <button id="refresh">Refresh</button>
      </div>
      <p id="status" class="muted">Idle.</p>
    </section>
    <section class="panel">
      <h2>Queues</h2>
      <table>
        <thead><tr><th>Family</th><th>Queue</th><th>Depth</th><th>Capacity</th></tr></thead>
        <tbody id="queueRows"></tbody>
      </table>
    </section>
    <section class="panel">
      <h2>Dead letters</h2>
      <table>
        <thead><tr><th>Failed</th><th>Kind</th><th>Class</th><th>Attempts</th><th>Reason</th><th></th></tr></thead>
        <tbody id="deadLetterRows"></tbody>
      </table>
    </section>
  </main>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        status: document.getElementById("status"),
        queueRows: document.getElementById("queueRows"),
        deadLetterRows: document.getElementById("deadLetterRows"),
      };

      function cid() {
        return "dash_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(method, path) {
        const headers = { "X-Correlation-Id": cid() };
        const token = dom.token.value.trim();
        if (token) {
          headers["Authorization"] = "Bearer " + token;
        }
        const response = await fetch(window.location.origin + path, { method: method, headers: headers });
        const data = await response.json();
        if (!response.ok) {
          throw new Error(response.status + " " + (data.code || "error") + ": " + (data.message || response.statusText));
        }
        return data;
      }

      function cell(text, cls) {
        const td = document.createElement("td");
        td.textContent = String(text);
        if (cls) {
          td.className = cls;
        }
        return td;
      }

      function renderQueues(queues) {
        dom.queueRows.innerHTML = "";
        (queues || []).forEach((queue) => {
          const tr = document.createElement("tr");
          tr.append(cell(queue.family), cell(queue.name, "mono"), cell(queue.depth), cell(queue.capacity));
          dom.queueRows.appendChild(tr);
        });
      }

      function action(label, cls, method, path) {
        const td = document.createElement("td");
        const button = document.createElement("button");
        button.textContent = label;
        if (cls) {
          button.className = cls;
        }
        button.onclick = async () => {
          try {
            await request(method, path);
            await refresh();
          } catch (err) {
            dom.status.textContent = String(err.message || err);
            dom.status.className = "err";
          }
        };
        td.appendChild(button);
        return td;
      }

      function renderDeadLetters(items) {
        dom.deadLetterRows.innerHTML = "";
        if (!items || items.length === 0) {
          const tr = document.createElement("tr");
          tr.append(cell("No dead letters", "muted"));
          dom.deadLetterRows.appendChild(tr);
          return;
        }
        items.forEach((entry) => {
          const tr = document.createElement("tr");
          const base = "/v1/admin/dead-letters/" + encodeURIComponent(entry.id);
          tr.append(
            cell(entry.failedAt, "mono"),
            cell(entry.kind || "-"),
            cell(entry.failureClass, entry.failureClass === "transient" ? "" : "err"),
            cell(entry.attemptCount),
            cell(entry.failureReason),
            action("Replay", "", "POST", base + "/replay"),
            action("Purge", "danger", "DELETE", base),
          );
          dom.deadLetterRows.appendChild(tr);
        });
      }

      async function refresh() {
        try {
          const queues = await request("GET", "/v1/admin/queues");
          const page = await request("GET", "/v1/admin/dead-letters?limit=50");
          renderQueues(queues.queues);
          renderDeadLetters(page.items);
          dom.status.textContent = "Updated " + new Date().toLocaleTimeString();
          dom.status.className = "muted";
        } catch (err) {
          dom.status.textContent = String(err.message || err);
          dom.status.className = "err";
        }
      }

      dom.refresh.onclick = refresh;
      setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
