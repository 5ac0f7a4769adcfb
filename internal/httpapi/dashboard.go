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
  <title>listcache</title>
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
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
    }
    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto; margin-top: 12px; }
    input {
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px 12px;
      font-size: 0.92rem;
    }
    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 12px;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #ffffff;
    }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); text-transform: uppercase; font-size: 0.66rem; letter-spacing: 0.09em; }
    .mono { font-family: "JetBrains Mono", "SFMono-Regular", monospace; }
    .status { color: var(--muted); margin-top: 8px; }
    .status.err { color: var(--danger); }
  </style>
</head>
<body>
  <main class="shell">
    <header class="bar">
      <h1>listcache</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="admin bearer token" />
        <button id="reload">Reload</button>
      </div>
      <div id="status" class="status">enter token to start</div>
    </header>
    <section id="collections"></section>
  </main>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        reload: document.getElementById("reload"),
        status: document.getElementById("status"),
        collections: document.getElementById("collections"),
      };

      function setStatus(text, isError) {
        dom.status.textContent = text;
        dom.status.className = isError ? "status err" : "status";
      }

      async function request(method, path) {
        const response = await fetch(path, {
          method: method,
          headers: { "Authorization": "Bearer " + dom.token.value.trim() },
        });
        const body = await response.json();
        if (!response.ok) {
          throw new Error(body.message || ("http " + response.status));
        }
        return body;
      }

      function cell(row, text, cls) {
        const td = document.createElement("td");
        td.textContent = text;
        if (cls) td.className = cls;
        row.appendChild(td);
        return td;
      }

      function render(collections) {
        dom.collections.innerHTML = "";
        collections.forEach(function (c) {
          const panel = document.createElement("article");
          panel.className = "panel";
          const title = document.createElement("h2");
          title.textContent = (c.title || c.id) + " (" + c.records + " records)";
          panel.appendChild(title);
          const table = document.createElement("table");
          table.innerHTML = "<tr><th>query</th><th>count</th><th>token</th><th>last synced</th><th>op</th><th></th></tr>";
          (c.queries || []).forEach(function (q) {
            const row = document.createElement("tr");
            cell(row, q.name, "mono");
            cell(row, String(q.count));
            cell(row, q.hasToken ? "yes" : "no");
            cell(row, q.lastSynced || "-");
            cell(row, q.inFlight ? q.operationId : "-", "mono");
            const btn = document.createElement("button");
            btn.textContent = "Refresh";
            btn.addEventListener("click", async function () {
              try {
                await request("POST", "/v1/collections/" + encodeURIComponent(c.id) + "/queries/" + encodeURIComponent(q.name) + "/refresh?wait=true");
                await reload();
              } catch (err) {
                setStatus(String(err.message || err), true);
              }
            });
            cell(row, "").appendChild(btn);
            table.appendChild(row);
          });
          panel.appendChild(table);
          dom.collections.appendChild(panel);
        });
      }

      async function reload() {
        try {
          const body = await request("GET", "/v1/collections");
          render(body.collections || []);
          setStatus("updated " + new Date().toLocaleTimeString(), false);
        } catch (err) {
          setStatus(String(err.message || err), true);
        }
      }

      dom.reload.addEventListener("click", function () {
        window.localStorage.setItem("listcache_dashboard_token", dom.token.value.trim());
        reload();
      });
      dom.token.value = window.localStorage.getItem("listcache_dashboard_token") || "";
      if (dom.token.value) {
        reload();
      }
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
